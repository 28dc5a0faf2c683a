package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
	inmemdb "github.com/classesnumeriques/platform/storage/database/inmem"
	testutil "github.com/classesnumeriques/platform/tests"
)

type fakeGateway struct {
	requests []subscription.CheckoutRequest
	badSig   bool
}

func (g *fakeGateway) CreateTransaction(_ context.Context, req subscription.CheckoutRequest) (subscription.CheckoutResponse, error) {
	g.requests = append(g.requests, req)
	return subscription.CheckoutResponse{Token: "snap-" + req.OrderID, RedirectURL: "https://pay.test/" + req.OrderID}, nil
}

func (g *fakeGateway) VerifySignature(subscription.Notification) bool {
	return !g.badSig
}

var errUpdate = errors.New("update failed")

// failingUsers fails the next updates of the users listed in `fail`.
type failingUsers struct {
	user.Repository
	mu   sync.Mutex
	fail map[string]int
}

func (r *failingUsers) failNext(userID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[userID] = n
}

func (r *failingUsers) UpdateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	r.mu.Lock()
	n := r.fail[usr.ID]
	if n > 0 {
		r.fail[usr.ID] = n - 1
	}
	r.mu.Unlock()

	if n > 0 {
		return user.User{}, errUpdate
	}
	return r.Repository.UpdateUser(ctx, usr, exec...)
}

type fixture struct {
	svc        subscription.ServiceInterface
	users      *failingUsers
	usrRepo    user.Repository
	schoolRepo school.Repository
	usrSvc     user.ServiceInterface
	schoolSvc  school.ServiceInterface
	gateway    *fakeGateway
	outbox     *testutil.MailOutbox
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := inmemdb.Open()
	f := &fixture{
		users:      &failingUsers{Repository: inmemdb.NewUserRepository(db), fail: make(map[string]int)},
		schoolRepo: inmemdb.NewSchoolRepository(db),
		gateway:    &fakeGateway{},
		outbox:     &testutil.MailOutbox{},
	}
	f.usrRepo = f.users
	f.usrSvc = user.NewService(f.usrRepo, f.outbox)
	f.schoolSvc = school.NewService(f.schoolRepo)
	f.svc = subscription.NewService(inmemdb.NewPaymentRepository(db), db, f.usrSvc, f.schoolSvc, f.gateway, f.outbox, testutil.NopLogger{})
	return f
}

func (f *fixture) teacher(t *testing.T, uname string) user.User {
	t.Helper()
	return testutil.CreateUser(t, f.usrRepo, "Prof "+uname, uname, uname+"@test.cd", "", []string{user.RoleTeacher}, true)
}

func (f *fixture) reload(t *testing.T, usr user.User) user.User {
	t.Helper()
	usr, err := f.usrSvc.GetByID(context.Background(), usr.ID)
	require.NoError(t, err)
	return usr
}

func notification(pmt subscription.Payment, status string) subscription.Notification {
	return subscription.Notification{
		OrderID:           pmt.OrderID,
		TransactionStatus: status,
		StatusCode:        "200",
		GrossAmount:       "150000.00",
		SignatureKey:      "sig",
	}
}

func TestService_CheckAccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	paidSchool := testutil.CreateSchool(t, f.schoolRepo, "Lycée Bosangani", core.Subscription{Status: core.SubscriptionActive, Type: core.PlanSchool, ExpiresAt: now.AddDate(0, 6, 0)})
	lapsedSchool := testutil.CreateSchool(t, f.schoolRepo, "Collège Boboto", core.Subscription{Status: core.SubscriptionActive, Type: core.PlanSchool, ExpiresAt: now.AddDate(0, 0, -1)})

	admin := testutil.CreateUser(t, f.usrRepo, "Admin", "admin", "", "", []string{user.RoleAdmin}, true)
	own := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "own"), core.PlanTeacher, now.AddDate(0, 1, 0))
	expired := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "expired"), core.PlanTeacher, now.AddDate(0, 0, -1))
	viaSchool := f.teacher(t, "viaschool")
	viaSchool.SchoolID = paidSchool.ID
	viaLapsed := f.teacher(t, "vialapsed")
	viaLapsed.SchoolID = lapsedSchool.ID
	viaMissing := f.teacher(t, "viamissing")
	viaMissing.SchoolID = "a1b2c3d4-0000-0000-0000-000000000000"
	none := f.teacher(t, "none")

	tests := []struct {
		name       string
		usr        user.User
		wantAccess bool
		wantSource string
	}{
		{name: "admin", usr: admin, wantAccess: true, wantSource: "admin"},
		{name: "own subscription", usr: own, wantAccess: true, wantSource: "teacher"},
		{name: "expired subscription", usr: expired, wantSource: "none"},
		{name: "school subscription", usr: viaSchool, wantAccess: true, wantSource: "school"},
		{name: "lapsed school subscription", usr: viaLapsed, wantSource: "none"},
		{name: "unknown school", usr: viaMissing, wantSource: "none"},
		{name: "no subscription", usr: none, wantSource: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := f.svc.CheckAccess(ctx, tt.usr)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccess, acc.HasAccess)
			assert.Equal(t, tt.wantSource, acc.Source)
		})
	}

	t.Run("school name", func(t *testing.T) {
		acc, err := f.svc.CheckAccess(ctx, viaSchool)
		require.NoError(t, err)
		assert.Equal(t, "Lycée Bosangani", acc.SchoolName)
		assert.Equal(t, core.PlanSchool, acc.Subscription.Type)
	})
}

func TestService_CheckExerciseAccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	paid := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "paid"), core.PlanTeacher, now.AddDate(0, 1, 0))
	unpaid := f.teacher(t, "unpaid")
	student := testutil.CreateUser(t, f.usrRepo, "Ilunga", "ilunga", "", "", []string{user.RoleStudent}, true)
	admin := testutil.CreateUser(t, f.usrRepo, "Admin", "admin", "", "", []string{user.RoleAdmin}, true)

	tests := []struct {
		name    string
		usr     user.User
		ex      exercise.Exercise
		wantErr error
	}{
		{name: "student of a paying teacher", usr: student, ex: exercise.Exercise{TeacherID: paid.ID}},
		{name: "student of a non paying teacher", usr: student, ex: exercise.Exercise{TeacherID: unpaid.ID}, wantErr: subscription.ErrNoAccess},
		{name: "paying teacher", usr: paid, ex: exercise.Exercise{TeacherID: paid.ID}},
		{name: "non paying teacher", usr: unpaid, ex: exercise.Exercise{TeacherID: unpaid.ID}, wantErr: subscription.ErrNoAccess},
		{name: "deleted teacher", usr: student, ex: exercise.Exercise{TeacherID: "a1b2c3d4-0000-0000-0000-000000000000"}, wantErr: subscription.ErrNoAccess},
		{name: "admin", usr: admin, ex: exercise.Exercise{TeacherID: unpaid.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.CheckExerciseAccess(ctx, tt.usr, tt.ex)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantErr, errors.Cause(err))
		})
	}
}

func TestService_SelectSchool(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")

	sel, err := f.svc.SelectSchool(ctx, teacher, subscription.SelectSchool{SchoolName: "Lycée Bosangani", City: "Kinshasa"})
	require.NoError(t, err)
	assert.NotEmpty(t, sel.User.SchoolID)
	assert.Equal(t, "Lycée Bosangani", sel.User.SchoolName)
	assert.True(t, sel.NeedsPayment)
	assert.False(t, sel.Access.HasAccess)

	// a colleague picks the same school by ID
	colleague := f.teacher(t, "kasa")
	sel2, err := f.svc.SelectSchool(ctx, colleague, subscription.SelectSchool{SchoolID: sel.User.SchoolID})
	require.NoError(t, err)
	assert.Equal(t, sel.User.SchoolID, sel2.User.SchoolID)

	_, err = f.svc.SelectSchool(ctx, colleague, subscription.SelectSchool{SchoolID: "a1b2c3d4-0000-0000-0000-000000000000"})
	require.Error(t, err)
	_, ok := err.(*core.ValidationError)
	assert.True(t, ok)
}

func TestService_Checkout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")

	pmt, err := f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanTeacher})
	require.NoError(t, err)
	assert.Regexp(t, `^CN-TEACHER-\d{8}-[0-9A-F]{8}$`, pmt.OrderID)
	assert.Equal(t, subscription.PaymentPending, pmt.Status)
	assert.Equal(t, core.Conf.Payment.TeacherPrice, pmt.Amount)
	assert.Equal(t, "snap-"+pmt.OrderID, pmt.SnapToken)
	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, teacher.ID, f.gateway.requests[0].Payer.ID)
	assert.Equal(t, core.SubscriptionPending, f.reload(t, teacher).Subscription.Status)

	// the school plan requires a school
	_, err = f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanSchool})
	require.Error(t, err)
	vErr, ok := err.(*core.ValidationError)
	require.True(t, ok)
	assert.Equal(t, "plan", vErr.Fields[0].Field)

	payments, err := f.svc.QueryPayments(ctx, &subscription.PaymentFilter{PayerID: teacher.ID})
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestService_HandleNotification(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")

	pmt, err := f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanTeacher})
	require.NoError(t, err)

	t.Run("invalid signature", func(t *testing.T) {
		f.gateway.badSig = true
		defer func() { f.gateway.badSig = false }()
		_, err := f.svc.HandleNotification(ctx, notification(pmt, "settlement"))
		assert.Equal(t, subscription.ErrInvalidSignature, errors.Cause(err))
	})

	t.Run("unknown order", func(t *testing.T) {
		n := notification(pmt, "settlement")
		n.OrderID = "CN-TEACHER-20240101-DEADBEEF"
		_, err := f.svc.HandleNotification(ctx, n)
		assert.Equal(t, subscription.ErrPaymentNotFound, errors.Cause(err))
	})

	t.Run("amount mismatch", func(t *testing.T) {
		n := notification(pmt, "settlement")
		n.GrossAmount = "1000.00"
		_, err := f.svc.HandleNotification(ctx, n)
		assert.Equal(t, subscription.ErrAmountMismatch, errors.Cause(err))
	})

	t.Run("challenged capture stays pending", func(t *testing.T) {
		n := notification(pmt, "capture")
		n.FraudStatus = "challenge"
		got, err := f.svc.HandleNotification(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, subscription.PaymentPending, got.Status)
	})

	t.Run("settlement", func(t *testing.T) {
		got, err := f.svc.HandleNotification(ctx, notification(pmt, "settlement"))
		require.NoError(t, err)
		assert.Equal(t, subscription.PaymentPaid, got.Status)
		assert.False(t, got.PaidAt.IsZero())

		usr := f.reload(t, teacher)
		assert.Equal(t, core.SubscriptionActive, usr.Subscription.Status)
		assert.Equal(t, core.PlanTeacher, usr.Subscription.Type)
		want := time.Now().UTC().AddDate(0, core.Conf.Payment.PeriodMonths, 0)
		assert.WithinDuration(t, want, usr.Subscription.ExpiresAt, time.Minute)
		assert.Equal(t, []string{"payment_received"}, f.outbox.Templates())
	})

	t.Run("replayed notification", func(t *testing.T) {
		before := f.reload(t, teacher).Subscription.ExpiresAt
		got, err := f.svc.HandleNotification(ctx, notification(pmt, "settlement"))
		require.NoError(t, err)
		assert.Equal(t, subscription.PaymentPaid, got.Status)
		assert.Equal(t, before, f.reload(t, teacher).Subscription.ExpiresAt)
		assert.Len(t, f.outbox.Messages, 1)

		// a late failure does not undo the payment
		got, err = f.svc.HandleNotification(ctx, notification(pmt, "expire"))
		require.NoError(t, err)
		assert.Equal(t, subscription.PaymentPaid, got.Status)
	})
}

func TestService_HandleNotification_Failure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")

	pmt, err := f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanTeacher})
	require.NoError(t, err)
	require.Equal(t, core.SubscriptionPending, f.reload(t, teacher).Subscription.Status)

	got, err := f.svc.HandleNotification(ctx, notification(pmt, "expire"))
	require.NoError(t, err)
	assert.Equal(t, subscription.PaymentExpired, got.Status)
	assert.Equal(t, core.SubscriptionNone, f.reload(t, teacher).Subscription.Status)
	assert.Empty(t, f.outbox.Messages)
}

func TestService_HandleNotification_ActivationError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")

	pmt, err := f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanTeacher})
	require.NoError(t, err)

	f.users.failNext(teacher.ID, 1)
	_, err = f.svc.HandleNotification(ctx, notification(pmt, "settlement"))
	assert.Equal(t, errUpdate, errors.Cause(err))

	payments, err := f.svc.QueryPayments(ctx, &subscription.PaymentFilter{PayerID: teacher.ID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, subscription.PaymentPending, payments[0].Status)
	assert.True(t, payments[0].PaidAt.IsZero())
	assert.Equal(t, core.SubscriptionPending, f.reload(t, teacher).Subscription.Status)
	assert.Empty(t, f.outbox.Messages)

	// the gateway delivers the notification again
	got, err := f.svc.HandleNotification(ctx, notification(pmt, "settlement"))
	require.NoError(t, err)
	assert.Equal(t, subscription.PaymentPaid, got.Status)
	assert.Equal(t, core.SubscriptionActive, f.reload(t, teacher).Subscription.Status)
	assert.Equal(t, []string{"payment_received"}, f.outbox.Templates())
}

func TestService_HandleNotification_Concurrent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")

	pmt, err := f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanTeacher})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.HandleNotification(ctx, notification(pmt, "settlement"))
			assert.NoError(t, err)
			assert.Equal(t, subscription.PaymentPaid, got.Status)
		}()
	}
	wg.Wait()

	// a single period is granted
	want := time.Now().UTC().AddDate(0, core.Conf.Payment.PeriodMonths, 0)
	assert.WithinDuration(t, want, f.reload(t, teacher).Subscription.ExpiresAt, time.Minute)
	assert.Equal(t, []string{"payment_received"}, f.outbox.Templates())
}

func TestService_SchoolPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	teacher := f.teacher(t, "mbuyi")
	colleague := f.teacher(t, "kasa")

	sel, err := f.svc.SelectSchool(ctx, teacher, subscription.SelectSchool{SchoolName: "Lycée Bosangani"})
	require.NoError(t, err)
	teacher = sel.User
	_, err = f.svc.SelectSchool(ctx, colleague, subscription.SelectSchool{SchoolID: teacher.SchoolID})
	require.NoError(t, err)

	pmt, err := f.svc.StartCheckout(ctx, teacher, subscription.Checkout{Plan: core.PlanSchool})
	require.NoError(t, err)
	assert.Equal(t, teacher.SchoolID, pmt.SchoolID)
	assert.Equal(t, core.Conf.Payment.SchoolPrice, pmt.Amount)

	n := notification(pmt, "capture")
	n.FraudStatus = "accept"
	n.GrossAmount = "1500000.00"
	_, err = f.svc.HandleNotification(ctx, n)
	require.NoError(t, err)

	sch, err := f.schoolSvc.GetSchool(ctx, teacher.SchoolID)
	require.NoError(t, err)
	assert.Equal(t, core.SubscriptionActive, sch.Subscription.Status)

	// the colleague benefits from the school subscription
	acc, err := f.svc.CheckAccess(ctx, f.reload(t, colleague))
	require.NoError(t, err)
	assert.True(t, acc.HasAccess)
	assert.Equal(t, "school", acc.Source)
}

func TestService_Activate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 2, 0)
	teacher := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "mbuyi"), core.PlanTeacher, expiresAt)

	// a running subscription is extended from its expiry date
	require.NoError(t, f.svc.Activate(ctx, subscription.Activation{UserID: teacher.ID, Months: 3}))
	got := f.reload(t, teacher).Subscription
	assert.WithinDuration(t, expiresAt.AddDate(0, 3, 0), got.ExpiresAt, time.Second)

	sch := testutil.CreateSchool(t, f.schoolRepo, "Lycée Bosangani", core.Subscription{})
	require.NoError(t, f.svc.Activate(ctx, subscription.Activation{SchoolID: sch.ID}))
	sch, err := f.schoolSvc.GetSchool(ctx, sch.ID)
	require.NoError(t, err)
	assert.True(t, sch.Subscription.IsActive(now))
	assert.WithinDuration(t, now.AddDate(0, core.Conf.Payment.PeriodMonths, 0), sch.Subscription.ExpiresAt, time.Minute)

	assert.Error(t, f.svc.Activate(ctx, subscription.Activation{UserID: "a1b2c3d4-0000-0000-0000-000000000000"}))
}

func TestService_ExpireDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lapsed := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "lapsed"), core.PlanTeacher, now.Add(-time.Hour))
	running := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "running"), core.PlanTeacher, now.AddDate(0, 1, 0))
	sch := testutil.CreateSchool(t, f.schoolRepo, "Lycée Bosangani", core.Subscription{Status: core.SubscriptionActive, Type: core.PlanSchool, ExpiresAt: now.AddDate(0, 0, -2)})
	member := f.teacher(t, "member")
	member.SchoolID = sch.ID
	_, err := f.usrRepo.UpdateUser(ctx, member)
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, core.SubscriptionExpired, f.reload(t, lapsed).Subscription.Status)
	assert.Equal(t, core.SubscriptionActive, f.reload(t, running).Subscription.Status)
	sch, err = f.schoolSvc.GetSchool(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SubscriptionExpired, sch.Subscription.Status)
	assert.Equal(t, []string{"subscription_expired", "subscription_expired"}, f.outbox.Templates())

	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_ExpireDue_SaveError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "stuck"), core.PlanTeacher, now.Add(-time.Hour))
	lapsed := testutil.Subscribe(t, f.usrRepo, f.teacher(t, "lapsed"), core.PlanTeacher, now.Add(-time.Hour))
	f.users.failNext(stuck.ID, 1)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.SubscriptionActive, f.reload(t, stuck).Subscription.Status)
	assert.Equal(t, core.SubscriptionExpired, f.reload(t, lapsed).Subscription.Status)

	// the next run picks it up
	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.SubscriptionExpired, f.reload(t, stuck).Subscription.Status)
}

func TestService_WarnExpiring(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	testutil.Subscribe(t, f.usrRepo, f.teacher(t, "soon"), core.PlanTeacher, now.AddDate(0, 0, 7))
	testutil.Subscribe(t, f.usrRepo, f.teacher(t, "later"), core.PlanTeacher, now.AddDate(0, 0, 20))

	n, err := f.svc.WarnExpiring(ctx, 30, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.outbox.Messages, 1)
	assert.Equal(t, "subscription_expiring", f.outbox.Messages[0].TemplateName)
	assert.Equal(t, "soon@test.cd", f.outbox.Messages[0].To[0].Address)
}

func TestCheckout_Validate(t *testing.T) {
	validate := newValidator()
	co := subscription.Checkout{Plan: " School "}
	require.NoError(t, co.Validate(validate))
	assert.Equal(t, core.PlanSchool, co.Plan)

	co = subscription.Checkout{Plan: "trial"}
	assert.Error(t, co.Validate(validate))

	ss := subscription.SelectSchool{City: "Kinshasa"}
	err := ss.Validate(validate)
	require.Error(t, err)
	vErr, ok := err.(*core.ValidationError)
	require.True(t, ok)
	assert.Len(t, vErr.Fields, 2)
}

func newValidator() *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())
	return validate
}
