package subscription

import (
	"context"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/user"
)

var (
	ErrNoAccess         = errors.New("an active subscription is required")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrInvalidSignature = errors.New("invalid notification signature")
	ErrAmountMismatch   = errors.New("notified amount does not match the payment")
	ErrNoSchool         = errors.New("select a school first")

	schoolRequiredText = "one of school_id or school_name is required"

	dateLayout = "02/01/2006"

	accessAdmin   = "admin"
	accessTeacher = "teacher"
	accessSchool  = "school"
	accessNone    = "none"
)

type (
	ServiceInterface interface {
		Plans() []Plan
		// CheckAccess reports whether `usr` has an active subscription, their own or their school's.
		CheckAccess(ctx context.Context, usr user.User) (Access, error)
		// CheckExerciseAccess returns ErrNoAccess unless `usr` may attempt `ex`.
		// Students inherit the access of the exercise's teacher.
		CheckExerciseAccess(ctx context.Context, usr user.User, ex exercise.Exercise) error
		SelectSchool(ctx context.Context, teacher user.User, ss SelectSchool) (SchoolSelection, error)
		StartCheckout(ctx context.Context, payer user.User, co Checkout) (Payment, error)
		// HandleNotification applies a gateway notification to its payment and activates the
		// subscription once paid. Notifications are idempotent.
		HandleNotification(ctx context.Context, n Notification) (Payment, error)
		QueryPayments(ctx context.Context, filter *PaymentFilter) ([]Payment, error)
		Activate(ctx context.Context, act Activation) error
		// ExpireDue marks the subscriptions past their expiry date as expired and returns their number.
		ExpireDue(ctx context.Context) (int, error)
		// WarnExpiring emails the owners of subscriptions expiring in exactly `days` days.
		WarnExpiring(ctx context.Context, days ...int) (int, error)
	}

	service struct {
		repo      Repository
		tx        core.Transactor
		usrSvc    user.ServiceInterface
		schoolSvc school.ServiceInterface
		gateway   Gateway
		mailSvc   core.EmailService
		logger    core.Logger
		nowFunc   func() time.Time
	}
)

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(
	repo Repository,
	tx core.Transactor,
	usrSvc user.ServiceInterface,
	schoolSvc school.ServiceInterface,
	gateway Gateway,
	mailSvc core.EmailService,
	logger core.Logger,
) *service {
	return &service{
		repo:      repo,
		tx:        tx,
		usrSvc:    usrSvc,
		schoolSvc: schoolSvc,
		gateway:   gateway,
		mailSvc:   mailSvc,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

func (svc *service) now() time.Time {
	return svc.nowFunc().UTC()
}

func (svc *service) Plans() []Plan {
	conf := core.Conf.Payment
	return []Plan{
		{Type: core.PlanTeacher, Name: "Enseignant", Price: conf.TeacherPrice, Currency: conf.Currency, Months: conf.PeriodMonths},
		{Type: core.PlanSchool, Name: "École", Price: conf.SchoolPrice, Currency: conf.Currency, Months: conf.PeriodMonths},
	}
}

func (svc *service) plan(typ core.SubscriptionType) (Plan, bool) {
	for _, p := range svc.Plans() {
		if p.Type == typ {
			return p, true
		}
	}
	return Plan{}, false
}

// Access

func (svc *service) CheckAccess(ctx context.Context, usr user.User) (Access, error) {
	now := svc.now()
	acc := Access{Source: accessNone, Subscription: usr.Subscription, SchoolID: usr.SchoolID, SchoolName: usr.SchoolName}

	if usr.IsAdmin() {
		acc.HasAccess, acc.Source = true, accessAdmin
		return acc, nil
	}
	if usr.Subscription.IsActive(now) {
		acc.HasAccess, acc.Source = true, accessTeacher
		return acc, nil
	}
	if usr.SchoolID == "" {
		return acc, nil
	}

	sch, err := svc.schoolSvc.GetSchool(ctx, usr.SchoolID)
	if err != nil {
		if errors.Cause(err) == school.ErrNotFound {
			return acc, nil
		}
		return acc, errors.Wrap(err, "finding school")
	}
	acc.SchoolName = sch.Name
	if sch.Subscription.IsActive(now) {
		acc.HasAccess, acc.Source, acc.Subscription = true, accessSchool, sch.Subscription
	}
	return acc, nil
}

func (svc *service) CheckExerciseAccess(ctx context.Context, usr user.User, ex exercise.Exercise) error {
	if usr.IsAdmin() {
		return nil
	}

	owner := usr
	if usr.ID != ex.TeacherID {
		var err error
		if owner, err = svc.usrSvc.GetByID(ctx, ex.TeacherID); err != nil {
			if errors.Cause(err) == user.ErrNotFound {
				return ErrNoAccess
			}
			return errors.Wrap(err, "finding exercise teacher")
		}
	}

	acc, err := svc.CheckAccess(ctx, owner)
	if err != nil {
		return err
	}
	if !acc.HasAccess {
		return ErrNoAccess
	}
	return nil
}

// Payment

func (svc *service) SelectSchool(ctx context.Context, teacher user.User, ss SelectSchool) (SchoolSelection, error) {
	var (
		sch school.School
		err error
	)
	if ss.SchoolID != "" {
		if sch, err = svc.schoolSvc.GetSchool(ctx, ss.SchoolID); err != nil {
			if errors.Cause(err) == school.ErrNotFound {
				return SchoolSelection{}, core.NewFieldValidationError("school_id", school.ErrNotFound.Error())
			}
			return SchoolSelection{}, errors.Wrap(err, "finding school")
		}
	} else if sch, err = svc.schoolSvc.FindOrCreateSchool(ctx, ss.SchoolName, ss.City); err != nil {
		return SchoolSelection{}, err
	}

	teacher.SchoolID = sch.ID
	teacher.SchoolName = sch.Name
	if teacher, err = svc.usrSvc.Save(ctx, teacher); err != nil {
		return SchoolSelection{}, err
	}

	acc, err := svc.CheckAccess(ctx, teacher)
	if err != nil {
		return SchoolSelection{}, err
	}
	return SchoolSelection{
		User:         teacher,
		Access:       acc,
		NeedsPayment: !sch.Subscription.IsActive(svc.now()),
	}, nil
}

func (svc *service) StartCheckout(ctx context.Context, payer user.User, co Checkout) (Payment, error) {
	plan, ok := svc.plan(co.Plan)
	if !ok {
		return Payment{}, core.NewFieldValidationError("plan", "invalid plan")
	}

	var sch school.School
	if plan.Type == core.PlanSchool {
		if payer.SchoolID == "" {
			return Payment{}, core.NewFieldValidationError("plan", ErrNoSchool.Error())
		}
		var err error
		if sch, err = svc.schoolSvc.GetSchool(ctx, payer.SchoolID); err != nil {
			return Payment{}, errors.Wrap(err, "finding school")
		}
	}

	now := svc.now()
	pmt := Payment{
		OrderID:   newOrderID(plan.Type, now),
		PayerID:   payer.ID,
		SchoolID:  sch.ID,
		Type:      plan.Type,
		Amount:    plan.Price,
		Currency:  plan.Currency,
		Status:    PaymentPending,
		CreatedAt: now,
	}

	itemName := fmt.Sprintf("%s %s - %d mois", core.Conf.AppName, plan.Name, plan.Months)
	resp, err := svc.gateway.CreateTransaction(ctx, CheckoutRequest{
		OrderID:  pmt.OrderID,
		Amount:   pmt.Amount,
		ItemName: itemName,
		Plan:     plan.Type,
		Payer:    payer,
	})
	if err != nil {
		return Payment{}, errors.Wrap(err, "creating transaction")
	}
	pmt.SnapToken = resp.Token
	pmt.RedirectURL = resp.RedirectURL

	if pmt, err = svc.repo.CreatePayment(ctx, pmt); err != nil {
		return Payment{}, errors.Wrap(err, "creating payment")
	}

	// mark the subscription as pending, unless it is still running
	if plan.Type == core.PlanSchool {
		if !sch.Subscription.IsActive(now) {
			sch.Subscription.Status = core.SubscriptionPending
			if _, err = svc.schoolSvc.SaveSchool(ctx, sch); err != nil {
				return pmt, err
			}
		}
	} else if !payer.Subscription.IsActive(now) {
		payer.Subscription.Status = core.SubscriptionPending
		if _, err = svc.usrSvc.Save(ctx, payer); err != nil {
			return pmt, err
		}
	}
	return pmt, nil
}

func (svc *service) HandleNotification(ctx context.Context, n Notification) (Payment, error) {
	if !svc.gateway.VerifySignature(n) {
		return Payment{}, ErrInvalidSignature
	}

	var (
		pmt    Payment
		notify func()
	)
	err := svc.tx.WithTx(ctx, func(tx core.DBExecutor) error {
		var err error
		if pmt, err = svc.repo.LockPayment(ctx, n.OrderID, tx); err != nil {
			return err
		}
		if amount, err := strconv.ParseFloat(n.GrossAmount, 64); err != nil || int64(amount) != pmt.Amount {
			return ErrAmountMismatch
		}

		status := notificationStatus(n)
		if pmt.Status.Final() || status == pmt.Status {
			// already processed
			return nil
		}

		pmt.Status = status
		if status == PaymentPaid {
			pmt.PaidAt = svc.now()
		}

		// the payment is saved last, a failed activation leaves it unprocessed for the retry
		switch status {
		case PaymentPaid:
			notify, err = svc.activateFromPayment(ctx, pmt, tx)
		case PaymentExpired, PaymentCanceled, PaymentFailed:
			err = svc.resetPending(ctx, pmt, tx)
		}
		if err != nil {
			return err
		}
		pmt, err = svc.repo.UpdatePayment(ctx, pmt, tx)
		return errors.Wrap(err, "updating payment")
	})
	if err != nil {
		return Payment{}, err
	}
	if notify != nil {
		notify()
	}
	return pmt, nil
}

// notificationStatus maps a gateway transaction status to a payment status.
func notificationStatus(n Notification) PaymentStatus {
	switch strings.ToLower(n.TransactionStatus) {
	case "capture":
		if fs := strings.ToLower(n.FraudStatus); fs == "" || fs == "accept" {
			return PaymentPaid
		}
		if strings.ToLower(n.FraudStatus) == "deny" {
			return PaymentFailed
		}
		return PaymentPending // challenged
	case "settlement":
		return PaymentPaid
	case "expire":
		return PaymentExpired
	case "cancel":
		return PaymentCanceled
	case "deny", "failure":
		return PaymentFailed
	}
	return PaymentPending
}

// activateFromPayment extends the subscription paid by `pmt` and returns the function mailing the payer.
func (svc *service) activateFromPayment(ctx context.Context, pmt Payment, tx core.DBExecutor) (func(), error) {
	payer, err := svc.usrSvc.GetByID(ctx, pmt.PayerID)
	if err != nil {
		return nil, errors.Wrap(err, "finding payer")
	}

	var sub core.Subscription
	subject := "your account"
	if pmt.Type == core.PlanSchool {
		sch, err := svc.schoolSvc.GetSchool(ctx, pmt.SchoolID)
		if err != nil {
			return nil, errors.Wrap(err, "finding school")
		}
		if sch, err = svc.activateSchool(ctx, sch, core.Conf.Payment.PeriodMonths, tx); err != nil {
			return nil, err
		}
		sub, subject = sch.Subscription, sch.Name
	} else {
		if payer, err = svc.activateUser(ctx, payer, core.PlanTeacher, core.Conf.Payment.PeriodMonths, tx); err != nil {
			return nil, err
		}
		sub = payer.Subscription
	}

	return func() {
		svc.sendMail(payer, "Payment received", "payment_received", map[string]interface{}{
			"Name":      payer.DisplayName(),
			"OrderID":   pmt.OrderID,
			"Amount":    pmt.Amount,
			"Currency":  pmt.Currency,
			"Plan":      string(sub.Type),
			"Subject":   subject,
			"ExpiresAt": sub.ExpiresAt.Format(dateLayout),
		})
	}, nil
}

func (svc *service) resetPending(ctx context.Context, pmt Payment, tx core.DBExecutor) error {
	reset := func(sub core.Subscription) (core.Subscription, bool) {
		if sub.Status != core.SubscriptionPending {
			return sub, false
		}
		sub.Status = core.SubscriptionNone
		if !sub.ExpiresAt.IsZero() {
			sub.Status = core.SubscriptionExpired
		}
		return sub, true
	}

	if pmt.Type == core.PlanSchool {
		sch, err := svc.schoolSvc.GetSchool(ctx, pmt.SchoolID)
		if err != nil {
			return errors.Wrap(err, "finding school")
		}
		var changed bool
		if sch.Subscription, changed = reset(sch.Subscription); changed {
			_, err = svc.schoolSvc.SaveSchool(ctx, sch, tx)
		}
		return err
	}

	payer, err := svc.usrSvc.GetByID(ctx, pmt.PayerID)
	if err != nil {
		return errors.Wrap(err, "finding payer")
	}
	var changed bool
	if payer.Subscription, changed = reset(payer.Subscription); changed {
		_, err = svc.usrSvc.Save(ctx, payer, tx)
	}
	return err
}

func (svc *service) QueryPayments(ctx context.Context, filter *PaymentFilter) ([]Payment, error) {
	return svc.repo.QueryPayments(ctx, filter)
}

// Activation

func (svc *service) Activate(ctx context.Context, act Activation) error {
	if act.Months <= 0 {
		act.Months = core.Conf.Payment.PeriodMonths
	}
	if act.SchoolID != "" {
		sch, err := svc.schoolSvc.GetSchool(ctx, act.SchoolID)
		if err != nil {
			return err
		}
		_, err = svc.activateSchool(ctx, sch, act.Months)
		return err
	}
	usr, err := svc.usrSvc.GetByID(ctx, act.UserID)
	if err != nil {
		return err
	}
	_, err = svc.activateUser(ctx, usr, core.PlanTeacher, act.Months)
	return err
}

// extend returns `sub` activated for `months` more months, counted from its expiry when it is still running.
func (svc *service) extend(sub core.Subscription, typ core.SubscriptionType, months int) core.Subscription {
	now := svc.now()
	start := now
	if sub.IsActive(now) && sub.ExpiresAt.After(now) {
		start = sub.ExpiresAt
	}
	return core.Subscription{
		Status:    core.SubscriptionActive,
		Type:      typ,
		ExpiresAt: start.AddDate(0, months, 0),
	}
}

func (svc *service) activateUser(ctx context.Context, usr user.User, typ core.SubscriptionType, months int, exec ...core.DBExecutor) (user.User, error) {
	usr.Subscription = svc.extend(usr.Subscription, typ, months)
	usr, err := svc.usrSvc.Save(ctx, usr, exec...)
	return usr, errors.Wrap(err, "activating user subscription")
}

func (svc *service) activateSchool(ctx context.Context, sch school.School, months int, exec ...core.DBExecutor) (school.School, error) {
	sch.Subscription = svc.extend(sch.Subscription, core.PlanSchool, months)
	sch, err := svc.schoolSvc.SaveSchool(ctx, sch, exec...)
	return sch, errors.Wrap(err, "activating school subscription")
}

// Maintenance

func (svc *service) ExpireDue(ctx context.Context) (int, error) {
	now := svc.now()
	var n int

	users, err := svc.usrSvc.Query(ctx, &user.QueryFilter{SubscriptionStatus: core.SubscriptionActive, ExpiresBefore: now}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "querying users")
	}
	for _, usr := range users {
		if usr.Subscription.IsActive(now) {
			continue
		}
		usr.Subscription.Status = core.SubscriptionExpired
		saved, err := svc.usrSvc.Save(ctx, usr)
		if err != nil {
			svc.logger.Error(fmt.Sprintf("expiring subscription of user %s: %s", usr.ID, err), err)
			continue
		}
		usr = saved
		n++
		svc.sendMail(usr, "Subscription expired", "subscription_expired", map[string]interface{}{
			"Name":      usr.DisplayName(),
			"Plan":      string(usr.Subscription.Type),
			"Subject":   "your account",
			"ExpiresAt": usr.Subscription.ExpiresAt.Format(dateLayout),
		})
	}

	schools, err := svc.schoolSvc.QuerySchools(ctx, &school.QueryFilter{SubscriptionStatus: core.SubscriptionActive, ExpiresBefore: now}, nil)
	if err != nil {
		return n, errors.Wrap(err, "querying schools")
	}
	for _, sch := range schools {
		if sch.Subscription.IsActive(now) {
			continue
		}
		sch.Subscription.Status = core.SubscriptionExpired
		saved, err := svc.schoolSvc.SaveSchool(ctx, sch)
		if err != nil {
			svc.logger.Error(fmt.Sprintf("expiring subscription of school %s: %s", sch.ID, err), err)
			continue
		}
		sch = saved
		n++
		svc.notifySchool(ctx, sch, "Subscription expired", "subscription_expired", map[string]interface{}{
			"Plan":      string(sch.Subscription.Type),
			"Subject":   sch.Name,
			"ExpiresAt": sch.Subscription.ExpiresAt.Format(dateLayout),
		})
	}
	return n, nil
}

func (svc *service) WarnExpiring(ctx context.Context, days ...int) (int, error) {
	now := svc.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var n int

	for _, d := range days {
		after := today.AddDate(0, 0, d)
		before := after.AddDate(0, 0, 1)

		users, err := svc.usrSvc.Query(ctx, &user.QueryFilter{
			SubscriptionStatus: core.SubscriptionActive,
			ExpiresAfter:       after,
			ExpiresBefore:      before,
		}, nil)
		if err != nil {
			return n, errors.Wrap(err, "querying users")
		}
		for _, usr := range users {
			n++
			svc.sendMail(usr, "Your subscription expires soon", "subscription_expiring", map[string]interface{}{
				"Name":      usr.DisplayName(),
				"Plan":      string(usr.Subscription.Type),
				"Subject":   "your account",
				"DaysLeft":  d,
				"ExpiresAt": usr.Subscription.ExpiresAt.Format(dateLayout),
			})
		}

		schools, err := svc.schoolSvc.QuerySchools(ctx, &school.QueryFilter{
			SubscriptionStatus: core.SubscriptionActive,
			ExpiresAfter:       after,
			ExpiresBefore:      before,
		}, nil)
		if err != nil {
			return n, errors.Wrap(err, "querying schools")
		}
		for _, sch := range schools {
			n++
			svc.notifySchool(ctx, sch, "Your school subscription expires soon", "subscription_expiring", map[string]interface{}{
				"Plan":      string(sch.Subscription.Type),
				"Subject":   sch.Name,
				"DaysLeft":  d,
				"ExpiresAt": sch.Subscription.ExpiresAt.Format(dateLayout),
			})
		}
	}
	return n, nil
}

// notifySchool emails the teachers of a school.
func (svc *service) notifySchool(ctx context.Context, sch school.School, subject, tmpl string, data map[string]interface{}) {
	teachers, err := svc.usrSvc.Query(ctx, &user.QueryFilter{SchoolID: sch.ID, Roles: user.TeacherRoles}, nil)
	if err != nil {
		svc.logger.Error("querying school teachers: "+err.Error(), err)
		return
	}
	for _, t := range teachers {
		d := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			d[k] = v
		}
		d["Name"] = t.DisplayName()
		svc.sendMail(t, subject, tmpl, d)
	}
}

func (svc *service) sendMail(usr user.User, subject, tmpl string, data map[string]interface{}) {
	if usr.Email == "" {
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.DisplayName(), Address: usr.Email}},
		Subject:      subject,
		TemplateName: tmpl,
		TemplateData: data,
	})
}

func newOrderID(typ core.SubscriptionType, now time.Time) string {
	return fmt.Sprintf("CN-%s-%s-%s", strings.ToUpper(string(typ)), now.Format("20060102"), strings.ToUpper(uuid.NewString()[:8]))
}
