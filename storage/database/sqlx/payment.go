package sqlxrepos

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/subscription"
)

const (
	paymentColumns = `id, order_id, payer_id, school_id, plan, amount, currency, status,
	redirect_url, snap_token, created_at, paid_at`

	paymentOrderIDKey = "payments_order_id_key"
)

type paymentRow struct {
	ID          string      `db:"id"`
	OrderID     string      `db:"order_id"`
	PayerID     string      `db:"payer_id"`
	SchoolID    null.String `db:"school_id"`
	Plan        string      `db:"plan"`
	Amount      int64       `db:"amount"`
	Currency    string      `db:"currency"`
	Status      string      `db:"status"`
	RedirectURL null.String `db:"redirect_url"`
	SnapToken   null.String `db:"snap_token"`
	CreatedAt   null.Time   `db:"created_at"`
	PaidAt      null.Time   `db:"paid_at"`
}

func newPaymentRow(p subscription.Payment) paymentRow {
	return paymentRow{
		ID:          p.ID,
		OrderID:     p.OrderID,
		PayerID:     p.PayerID,
		SchoolID:    nullString(p.SchoolID),
		Plan:        string(p.Type),
		Amount:      p.Amount,
		Currency:    p.Currency,
		Status:      string(p.Status),
		RedirectURL: nullString(p.RedirectURL),
		SnapToken:   nullString(p.SnapToken),
		CreatedAt:   nullTime(p.CreatedAt),
		PaidAt:      nullTime(p.PaidAt),
	}
}

func (row paymentRow) payment() subscription.Payment {
	return subscription.Payment{
		ID:          row.ID,
		OrderID:     row.OrderID,
		PayerID:     row.PayerID,
		SchoolID:    row.SchoolID.String,
		Type:        core.SubscriptionType(row.Plan),
		Amount:      row.Amount,
		Currency:    row.Currency,
		Status:      subscription.PaymentStatus(row.Status),
		RedirectURL: row.RedirectURL.String,
		SnapToken:   row.SnapToken.String,
		CreatedAt:   utc(row.CreatedAt),
		PaidAt:      utc(row.PaidAt),
	}
}

type paymentRepository struct {
	base
}

var _ subscription.Repository = (*paymentRepository)(nil) // interface compliance check

func NewPaymentRepository(db *sqlx.DB) *paymentRepository {
	return &paymentRepository{base{db: db}}
}

func (repo *paymentRepository) save(ctx context.Context, q string, p subscription.Payment, exec []core.DBExecutor) (subscription.Payment, error) {
	q, args, err := sqlx.Named(q+" RETURNING "+paymentColumns, newPaymentRow(p))
	if err != nil {
		return subscription.Payment{}, errors.Wrap(err, "binding payment")
	}

	var row paymentRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		if isUniqueViolation(err, paymentOrderIDKey) {
			return subscription.Payment{}, errors.Wrapf(err, "order %s already exists", p.OrderID)
		}
		return subscription.Payment{}, trapNoRows(err, subscription.ErrPaymentNotFound, "saving payment")
	}
	return row.payment(), nil
}

func (repo *paymentRepository) CreatePayment(ctx context.Context, p subscription.Payment, exec ...core.DBExecutor) (subscription.Payment, error) {
	p.ID = uuid.NewString()
	return repo.save(ctx, `INSERT INTO payments (`+paymentColumns+`) VALUES (
		:id, :order_id, :payer_id, :school_id, :plan, :amount, :currency, :status,
		:redirect_url, :snap_token, COALESCE(:created_at, now()), :paid_at)`, p, exec)
}

func (repo *paymentRepository) GetPaymentByOrderID(ctx context.Context, orderID string, exec ...core.DBExecutor) (subscription.Payment, error) {
	var row paymentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, "SELECT "+paymentColumns+" FROM payments WHERE order_id = $1", orderID)
	if err != nil {
		return subscription.Payment{}, trapNoRows(err, subscription.ErrPaymentNotFound, "selecting payment")
	}
	return row.payment(), nil
}

func (repo *paymentRepository) LockPayment(ctx context.Context, orderID string, exec ...core.DBExecutor) (subscription.Payment, error) {
	var row paymentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, "SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 FOR UPDATE", orderID)
	if err != nil {
		return subscription.Payment{}, trapNoRows(err, subscription.ErrPaymentNotFound, "locking payment")
	}
	return row.payment(), nil
}

func (repo *paymentRepository) QueryPayments(ctx context.Context, filter *subscription.PaymentFilter, exec ...core.DBExecutor) ([]subscription.Payment, error) {
	var c conditions
	if filter != nil {
		if filter.PayerID != "" {
			c.add("payer_id = ?", filter.PayerID)
		}
		if filter.SchoolID != "" {
			c.add("school_id = ?", filter.SchoolID)
		}
		if filter.Status != "" {
			c.add("status = ?", string(filter.Status))
		}
	}
	q, args, err := c.build("SELECT "+paymentColumns+" FROM payments", []core.DBOrdering{{Field: "created_at"}})
	if err != nil {
		return nil, err
	}

	var rows []paymentRow
	if err = sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting payments")
	}
	payments := make([]subscription.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, row.payment())
	}
	return payments, nil
}

func (repo *paymentRepository) UpdatePayment(ctx context.Context, p subscription.Payment, exec ...core.DBExecutor) (subscription.Payment, error) {
	return repo.save(ctx, `UPDATE payments SET
		school_id = :school_id, status = :status, redirect_url = :redirect_url, snap_token = :snap_token, paid_at = :paid_at
		WHERE order_id = :order_id`, p, exec)
}
