package paymentsvc

import (
	"context"
	"testing"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
)

type fakeSnap struct {
	req  *snap.Request
	fail bool
}

func (f *fakeSnap) CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error) {
	f.req = req
	if f.fail {
		return nil, &midtrans.Error{Message: "unauthorized", StatusCode: 401}
	}
	return &snap.Response{Token: "tok", RedirectURL: "https://app.sandbox.midtrans.com/snap/v2/vtweb/tok"}, nil
}

func TestMidtransGateway_CreateTransaction(t *testing.T) {
	fake := &fakeSnap{}
	gw := &midtransGateway{serverKey: "key", client: fake}
	req := subscription.CheckoutRequest{
		OrderID:  "CN-TEACHER-20240101-0A1B2C3D",
		Amount:   150000,
		ItemName: "Teacher subscription (12 months)",
		Plan:     core.PlanTeacher,
		Payer:    user.User{Name: "Awa Ndiaye Diop", Email: "awa@example.com"},
	}

	resp, err := gw.CreateTransaction(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Contains(t, resp.RedirectURL, "tok")

	require.NotNil(t, fake.req)
	assert.Equal(t, req.OrderID, fake.req.TransactionDetails.OrderID)
	assert.Equal(t, int64(150000), fake.req.TransactionDetails.GrossAmt)
	assert.Equal(t, "Awa Ndiaye", fake.req.CustomerDetail.FName)
	assert.Equal(t, "Diop", fake.req.CustomerDetail.LName)
	items := *fake.req.Items
	require.Len(t, items, 1)
	assert.Equal(t, "teacher", items[0].ID)
	assert.Equal(t, int32(1), items[0].Qty)

	fake.fail = true
	_, err = gw.CreateTransaction(context.Background(), req)
	assert.Error(t, err)

	req.Amount = 0
	_, err = gw.CreateTransaction(context.Background(), req)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gw.CreateTransaction(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMidtransGateway_VerifySignature(t *testing.T) {
	gw := &midtransGateway{serverKey: "server-key"}
	n := subscription.Notification{OrderID: "CN-1", StatusCode: "200", GrossAmount: "150000.00"}
	sig := Signature(n.OrderID, n.StatusCode, n.GrossAmount, "server-key")
	assert.Len(t, sig, 128)

	tests := []struct {
		name string
		sig  string
		want bool
	}{
		{"valid", sig, true},
		{"upper case", toUpper(sig), true},
		{"empty", "", false},
		{"other key", Signature(n.OrderID, n.StatusCode, n.GrossAmount, "other"), false},
		{"tampered amount", Signature(n.OrderID, n.StatusCode, "1.00", "server-key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n.SignatureKey = tt.sig
			assert.Equal(t, tt.want, gw.VerifySignature(n))
		})
	}

	noKey := &midtransGateway{}
	n.SignatureKey = Signature(n.OrderID, n.StatusCode, n.GrossAmount, "")
	assert.False(t, noKey.VerifySignature(n))
}

func TestSplitName(t *testing.T) {
	first, last := splitName("Awa")
	assert.Equal(t, "Awa", first)
	assert.Equal(t, "", last)

	first, last = splitName("  Moussa  Sow ")
	assert.Equal(t, "Moussa", first)
	assert.Equal(t, "Sow", last)
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
