package subscription

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentExpired  PaymentStatus = "expired"
	PaymentCanceled PaymentStatus = "canceled"
	PaymentFailed   PaymentStatus = "failed"
)

// Final reports whether no further notification can change the status.
func (s PaymentStatus) Final() bool {
	return s != PaymentPending
}

type Payment struct {
	ID          string                `json:"id"`
	OrderID     string                `json:"order_id"`
	PayerID     string                `json:"payer_id"`
	SchoolID    string                `json:"school_id"`
	Type        core.SubscriptionType `json:"subscription_type"`
	Amount      int64                 `json:"amount"`
	Currency    string                `json:"currency"`
	Status      PaymentStatus         `json:"status"`
	RedirectURL string                `json:"redirect_url"`
	SnapToken   string                `json:"snap_token"`
	CreatedAt   time.Time             `json:"created_at"` // UTC
	PaidAt      time.Time             `json:"paid_at"`    // UTC
}

type Plan struct {
	Type     core.SubscriptionType `json:"type"`
	Name     string                `json:"name"`
	Price    int64                 `json:"price"`
	Currency string                `json:"currency"`
	Months   int                   `json:"months"`
}

// Access describes why a user has access (or not) to the platform.
type Access struct {
	HasAccess    bool              `json:"has_access"`
	Source       string            `json:"source"` // admin | teacher | school | none
	Subscription core.Subscription `json:"subscription"`
	SchoolID     string            `json:"school_id,omitempty"`
	SchoolName   string            `json:"school_name,omitempty"`
}

// SelectSchool attaches a teacher to an existing school (SchoolID) or to a new one (SchoolName).
type SelectSchool struct {
	SchoolID   string `json:"school_id" validate:"omitempty,uuid"`
	SchoolName string `json:"school_name" validate:"max=200"`
	City       string `json:"city" validate:"max=100"`
}

func (ss *SelectSchool) Validate(validate *validator.Validate) error {
	ss.SchoolID = core.CleanString(ss.SchoolID)
	ss.SchoolName = core.CleanString(ss.SchoolName)
	ss.City = core.CleanString(ss.City)
	if ss.SchoolID == "" && ss.SchoolName == "" {
		return core.NewValidationError(nil,
			core.FieldError{Field: "school_id", Error: schoolRequiredText},
			core.FieldError{Field: "school_name", Error: schoolRequiredText},
		)
	}
	return validate.Struct(ss)
}

type SchoolSelection struct {
	User   user.User `json:"user"`
	Access Access    `json:"access"`
	// NeedsPayment is true when the school has no active subscription yet.
	NeedsPayment bool `json:"needs_payment"`
}

type Checkout struct {
	Plan core.SubscriptionType `json:"plan" validate:"required,oneof=teacher school"`
}

func (co *Checkout) Validate(validate *validator.Validate) error {
	co.Plan = core.SubscriptionType(core.CleanString(string(co.Plan), true /* lower */))
	return validate.Struct(co)
}

// Activation is a manual activation of a user's or a school's subscription.
type Activation struct {
	UserID   string
	SchoolID string
	Months   int
}

// Notification is a payment status notification sent by the payment gateway.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	PaymentType       string `json:"payment_type"`
}

type (
	CheckoutRequest struct {
		OrderID  string
		Amount   int64
		ItemName string
		Plan     core.SubscriptionType
		Payer    user.User
	}

	CheckoutResponse struct {
		Token       string
		RedirectURL string
	}

	// Gateway is any payment service able to start a checkout & authenticate its notifications.
	Gateway interface {
		CreateTransaction(ctx context.Context, req CheckoutRequest) (CheckoutResponse, error)
		VerifySignature(n Notification) bool
	}
)

type PaymentFilter struct {
	PayerID  string        `query:"payer_id"`
	SchoolID string        `query:"school_id"`
	Status   PaymentStatus `query:"status"`
}

type Repository interface {
	CreatePayment(ctx context.Context, p Payment, exec ...core.DBExecutor) (Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string, exec ...core.DBExecutor) (Payment, error)
	// LockPayment is GetPaymentByOrderID holding the row until the surrounding transaction ends.
	LockPayment(ctx context.Context, orderID string, exec ...core.DBExecutor) (Payment, error)
	QueryPayments(ctx context.Context, filter *PaymentFilter, exec ...core.DBExecutor) ([]Payment, error)
	UpdatePayment(ctx context.Context, p Payment, exec ...core.DBExecutor) (Payment, error)
}
