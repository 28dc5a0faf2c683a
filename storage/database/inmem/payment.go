package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/subscription"
)

type paymentRepository struct {
	db *paymentTable
}

var _ subscription.Repository = (*paymentRepository)(nil) // interface compliance check

func NewPaymentRepository(db *DB) *paymentRepository {
	return &paymentRepository{db: db.payment}
}

func (repo *paymentRepository) CreatePayment(_ context.Context, p subscription.Payment, _ ...core.DBExecutor) (subscription.Payment, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	p.ID = uuid.NewString()
	repo.db.table[p.OrderID] = &p
	return p, nil
}

func (repo *paymentRepository) GetPaymentByOrderID(_ context.Context, orderID string, _ ...core.DBExecutor) (subscription.Payment, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if p, ok := repo.db.table[orderID]; ok {
		return *p, nil
	}
	return subscription.Payment{}, subscription.ErrPaymentNotFound
}

// LockPayment relies on WithTx serializing transactions.
func (repo *paymentRepository) LockPayment(ctx context.Context, orderID string, exec ...core.DBExecutor) (subscription.Payment, error) {
	return repo.GetPaymentByOrderID(ctx, orderID, exec...)
}

func (repo *paymentRepository) QueryPayments(_ context.Context, filter *subscription.PaymentFilter, _ ...core.DBExecutor) ([]subscription.Payment, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	payments := make([]subscription.Payment, 0)
	for _, p := range repo.db.table {
		if filter != nil {
			if filter.PayerID != "" && p.PayerID != filter.PayerID {
				continue
			}
			if filter.SchoolID != "" && p.SchoolID != filter.SchoolID {
				continue
			}
			if filter.Status != "" && p.Status != filter.Status {
				continue
			}
		}
		payments = append(payments, *p)
	}
	sort.SliceStable(payments, func(i, j int) bool { return payments[i].CreatedAt.After(payments[j].CreatedAt) })
	return payments, nil
}

func (repo *paymentRepository) UpdatePayment(_ context.Context, p subscription.Payment, _ ...core.DBExecutor) (subscription.Payment, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[p.OrderID]; !ok {
		return subscription.Payment{}, subscription.ErrPaymentNotFound
	}
	repo.db.table[p.OrderID] = &p
	return p, nil
}
