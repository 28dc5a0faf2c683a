package paymentsvc

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/subscription"
)

const itemCategory = "subscription"

type snapClient interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// midtransGateway starts Snap checkouts & authenticates Midtrans HTTP notifications.
type midtransGateway struct {
	serverKey string
	client    snapClient
}

var _ subscription.Gateway = (*midtransGateway)(nil) // interface compliance check

func NewMidtransGateway(conf *core.Config) *midtransGateway {
	env := midtrans.Sandbox
	if conf.Payment.Production {
		env = midtrans.Production
	}
	var c snap.Client
	c.New(conf.Payment.MidtransServerKey, env)
	return &midtransGateway{serverKey: conf.Payment.MidtransServerKey, client: &c}
}

func (gw *midtransGateway) CreateTransaction(ctx context.Context, req subscription.CheckoutRequest) (subscription.CheckoutResponse, error) {
	if err := ctx.Err(); err != nil {
		return subscription.CheckoutResponse{}, err
	}
	if req.Amount <= 0 {
		return subscription.CheckoutResponse{}, errors.Errorf("invalid amount %d", req.Amount)
	}

	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: req.Amount,
		},
		CustomerDetail: customerDetails(req),
		Items: &[]midtrans.ItemDetails{{
			ID:       string(req.Plan),
			Name:     truncate(req.ItemName, 50),
			Price:    req.Amount,
			Qty:      1,
			Category: itemCategory,
		}},
		CreditCard: &snap.CreditCardDetails{Secure: true},
	}

	resp, mErr := gw.client.CreateTransaction(snapReq)
	if mErr != nil {
		return subscription.CheckoutResponse{}, errors.Wrap(mErr, "creating snap transaction")
	}
	return subscription.CheckoutResponse{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

// VerifySignature checks signature_key = SHA512(order_id + status_code + gross_amount + server key).
func (gw *midtransGateway) VerifySignature(n subscription.Notification) bool {
	if n.SignatureKey == "" || gw.serverKey == "" {
		return false
	}
	want := Signature(n.OrderID, n.StatusCode, n.GrossAmount, gw.serverKey)
	got := strings.ToLower(n.SignatureKey)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Signature computes the signature key Midtrans attaches to its notifications.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

func customerDetails(req subscription.CheckoutRequest) *midtrans.CustomerDetails {
	payer := req.Payer
	first, last := splitName(payer.DisplayName())
	return &midtrans.CustomerDetails{
		FName: first,
		LName: last,
		Email: payer.Email,
	}
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return truncate(parts[0], 255), ""
	}
	last := len(parts) - 1
	return truncate(strings.Join(parts[:last], " "), 255), truncate(parts[last], 255)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
