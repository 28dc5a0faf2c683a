// Package tests exercises the HTTP API end to end on in-memory repositories.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	echoapi "github.com/classesnumeriques/platform/apps/api/echo"
	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/media"
	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
	"github.com/classesnumeriques/platform/services/cache"
	mediasvc "github.com/classesnumeriques/platform/services/media"
	paymentsvc "github.com/classesnumeriques/platform/services/payment"
	inmemdb "github.com/classesnumeriques/platform/storage/database/inmem"
	testutil "github.com/classesnumeriques/platform/tests"
)

const (
	password  = "Kin$hasa2024"
	serverKey = "SB-Mid-server-test"

	qcmContent = `{"questions":[
		{"text":"Capitale de la RDC ?","choices":[{"text":"Kinshasa","is_correct":true},{"text":"Goma"}]},
		{"text":"2 + 2 ?","choices":[{"text":"3"},{"text":"4","is_correct":true}]}
	]}`
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type httpErr struct {
	Error string `json:"error"`
}

// fakeGateway authenticates notifications like the real gateway, without calling it.
type fakeGateway struct {
	requests []subscription.CheckoutRequest
}

func (g *fakeGateway) CreateTransaction(_ context.Context, req subscription.CheckoutRequest) (subscription.CheckoutResponse, error) {
	g.requests = append(g.requests, req)
	return subscription.CheckoutResponse{Token: "snap-" + req.OrderID, RedirectURL: "https://pay.test/" + req.OrderID}, nil
}

func (g *fakeGateway) VerifySignature(n subscription.Notification) bool {
	return n.SignatureKey == paymentsvc.Signature(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
}

type fixture struct {
	app     *echoapi.Server
	outbox  *testutil.MailOutbox
	gateway *fakeGateway

	usrRepo    user.Repository
	schoolRepo school.Repository
	exRepo     exercise.Repository
	attRepo    attempt.Repository

	admin   user.User
	teacher user.User // active teacher subscription
	expired user.User // teacher without subscription
	student user.User
	other   user.User // student of no class
	cls     school.Class
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := inmemdb.Open()
	f := &fixture{
		outbox:     new(testutil.MailOutbox),
		gateway:    new(fakeGateway),
		usrRepo:    inmemdb.NewUserRepository(db),
		schoolRepo: inmemdb.NewSchoolRepository(db),
		exRepo:     inmemdb.NewExerciseRepository(db),
		attRepo:    inmemdb.NewAttemptRepository(db),
	}
	logger := testutil.NopLogger{}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	exercise.InitValidators(validate, translator)

	usrSvc := user.NewService(f.usrRepo, f.outbox)
	schoolSvc := school.NewService(f.schoolRepo)
	exSvc := exercise.NewService(f.exRepo, schoolSvc, cache.NewMemoryCache(), logger)
	subSvc := subscription.NewService(inmemdb.NewPaymentRepository(db), db, usrSvc, schoolSvc, f.gateway, f.outbox, logger)
	attSvc := attempt.NewService(f.attRepo, db, exSvc, subSvc)
	reportSvc := report.NewService(inmemdb.NewReportRepository(db), attSvc, exSvc, usrSvc, schoolSvc, f.outbox)
	mediaSvc := media.NewService(mediasvc.NewLocalStore(t.TempDir(), "/static/uploads"))

	f.app = echoapi.NewServer(&echoapi.Options{
		DisableReqLogs:  true,
		Logger:          logger,
		Validate:        validate,
		UserSvc:         usrSvc,
		SchoolSvc:       schoolSvc,
		ExerciseSvc:     exSvc,
		AttemptSvc:      attSvc,
		SubscriptionSvc: subSvc,
		ReportSvc:       reportSvc,
		MediaSvc:        mediaSvc,
	})

	f.admin = testutil.CreateUser(t, f.usrRepo, "Admin", "admin", "admin@test.cd", password, []string{user.RoleAdmin}, true)
	f.teacher = testutil.CreateUser(t, f.usrRepo, "Mme Mbuyi", "mbuyi", "mbuyi@test.cd", password, []string{user.RoleTeacher}, true)
	f.teacher = testutil.Subscribe(t, f.usrRepo, f.teacher, core.PlanTeacher, time.Now().AddDate(0, 1, 0))
	f.expired = testutil.CreateUser(t, f.usrRepo, "M. Kabila", "kabila", "kabila@test.cd", password, []string{user.RoleTeacher}, true)
	f.student = testutil.CreateUser(t, f.usrRepo, "Ilunga", "ilunga", "ilunga@test.cd", password, []string{user.RoleStudent}, true)
	f.other = testutil.CreateUser(t, f.usrRepo, "Tshala", "tshala", "", password, []string{user.RoleStudent}, true)

	f.cls = testutil.CreateClass(t, f.schoolRepo, f.teacher, "CM1 A", "ABC234")
	testutil.Enroll(t, f.schoolRepo, f.cls, f.student)
	return f
}

// do serves the request and returns the recorded response.
func (f *fixture) do(method, path, token string, body ...interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if len(body) > 0 {
		switch b := body[0].(type) {
		case string:
			buf.WriteString(b)
		case []byte:
			buf.Write(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.app.ServeHTTP(rec, req)
	return rec
}

func getToken(t *testing.T, usr user.User) string {
	t.Helper()
	token, err := echoapi.GenerateToken(echoapi.GetUserClaims(usr))
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func requireCode(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	require.Equal(t, code, rec.Code, rec.Body.String())
}

func (f *fixture) createExercise(t *testing.T, maxAttempts int) exercise.Exercise {
	t.Helper()
	return testutil.CreateExercise(t, f.exRepo, f.teacher, "Géographie", exercise.TypeQCM, qcmContent, f.cls.ID, maxAttempts)
}

func jsonRaw(s string) json.RawMessage {
	return json.RawMessage(s)
}
