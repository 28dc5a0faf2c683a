package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
	"github.com/classesnumeriques/platform/services/cache"
	paymentsvc "github.com/classesnumeriques/platform/services/payment"
	inmemdb "github.com/classesnumeriques/platform/storage/database/inmem"
	testutil "github.com/classesnumeriques/platform/tests"
)

const qcmContent = `{"questions":[
	{"text":"Capitale de la RDC ?","choices":[{"text":"Kinshasa","is_correct":true},{"text":"Goma"}]},
	{"text":"2 + 2 ?","choices":[{"text":"3"},{"text":"4","is_correct":true}]}
]}`

type fixture struct {
	cli        *commandLine
	out        *bytes.Buffer
	usrRepo    user.Repository
	schoolRepo school.Repository
	exRepo     exercise.Repository
	attRepo    attempt.Repository
}

func setup(t *testing.T) *fixture {
	t.Helper()

	// set up DB & repos
	db := inmemdb.Open()
	f := &fixture{
		out:        new(bytes.Buffer),
		usrRepo:    inmemdb.NewUserRepository(db),
		schoolRepo: inmemdb.NewSchoolRepository(db),
		exRepo:     inmemdb.NewExerciseRepository(db),
		attRepo:    inmemdb.NewAttemptRepository(db),
	}
	logger := testutil.NopLogger{}
	outbox := new(testutil.MailOutbox)

	usrSvc := user.NewService(f.usrRepo, outbox)
	schoolSvc := school.NewService(f.schoolRepo)
	exSvc := exercise.NewService(f.exRepo, schoolSvc, cache.NewMemoryCache(), logger)
	subSvc := subscription.NewService(
		inmemdb.NewPaymentRepository(db), db, usrSvc, schoolSvc, paymentsvc.NewMidtransGateway(core.Conf), outbox, logger,
	)

	// start CLI
	f.cli = &commandLine{
		usrRepo: f.usrRepo,
		exSvc:   exSvc,
		attSvc:  attempt.NewService(f.attRepo, db, exSvc, subSvc),
		subSvc:  subSvc,
		out:     f.out,
	}
	return f
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	extra      interface{}
}

func (tt cliTest) check(t *testing.T, err error) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		if err != tt.wantErr {
			t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
		}
	case tt.wantErrStr != "":
		if err == nil || err.Error() != tt.wantErrStr {
			t.Errorf("cli.run() error = %v, wantErrStr %s", err, tt.wantErrStr)
		}
	case err != nil:
		t.Errorf("cli.run() unexpected error = %v", err)
	}
}

func Test_commandLine_migrate(t *testing.T) {
	f := setup(t)

	migrateFunc = func(db *sql.DB, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to", "down-to":
			if len(args) == 0 {
				return fmt.Errorf("%s must be of form: goose [OPTIONS] DRIVER DBSTRING %s VERSION", command, command)
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "create", args: []string{"migrate", "create", "exercise_tags", "sql"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, f.cli.run(args))
		})
	}
}

func mockPassword(pwd string) {
	readPasswordFunc = func(fd int) ([]byte, error) {
		return []byte(pwd), nil
	}
}

func Test_commandLine_addUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []cliTest{
		{name: "no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"adduser", "-username", "jean"}, wantErr: errHelp},
		{name: "unknown role", args: []string{"adduser", "-username", "jean", "-role", "boss"}, extra: "Mb0t@2024", wantErrStr: `"boss": unknown role`},
		{name: "create", args: []string{"adduser", "-username", "Jean", "-email", "jean@test.cd", "-role", "teacher"}, extra: "Mb0t@2024"},
		{name: "update", args: []string{"adduser", "-username", "jean", "-name", "Jean Mbuyi", "-role", "student"}, extra: "Kisangani#1"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		pwd, _ := tt.extra.(string)
		mockPassword(pwd)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, f.cli.run(args))
		})
	}

	users, err := f.usrRepo.QueryUsers(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, users, 1)
	usr := users[0]
	assert.Equal(t, "jean", usr.Username)
	assert.Equal(t, "jean@test.cd", usr.Email)
	assert.Equal(t, "Jean Mbuyi", usr.Name)
	assert.Equal(t, []string{user.RoleStudent}, usr.Roles)
	assert.True(t, usr.Active())
	assert.NoError(t, usr.CheckPassword("Kisangani#1"))
}

func Test_commandLine_resetPassword(t *testing.T) {
	f := setup(t)

	usr := testutil.CreateUser(t, f.usrRepo, "User", "awe", "awe@test.cd", "mdr", nil, true)

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "username but no password", args: []string{"resetpassword", "-username", "lol"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-username", "lol"}, extra: "lol", wantErr: user.ErrNotFound},
		{name: "reset with username", args: []string{"resetpassword", "-username", usr.Username}, extra: "lol"},
		{name: "reset with email", args: []string{"resetpassword", "-username", usr.Email}, extra: "lmao"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		pwd, _ := tt.extra.(string)
		mockPassword(pwd)

		t.Run(tt.name, func(t *testing.T) {
			err := f.cli.run(args)
			if err == nil {
				refreshedUsr, err := f.usrRepo.GetUser(context.Background(), user.GetFilter{ID: usr.ID})
				if err != nil {
					t.Fatalf("GetUser() failed, %v", err)
				}
				if bytes.Equal(refreshedUsr.PasswordHash, usr.PasswordHash) {
					t.Error("failed to update new password")
				}
				if err = refreshedUsr.CheckPassword(pwd); err != nil {
					t.Errorf("CheckPassword() error = %v", err)
				}
			} else if err != tt.wantErr {
				t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_commandLine_rescore(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	teacher := testutil.CreateUser(t, f.usrRepo, "Mme Mbuyi", "mbuyi", "mbuyi@test.cd", "", []string{user.RoleTeacher}, true)
	student := testutil.CreateUser(t, f.usrRepo, "Ilunga", "ilunga", "", "", []string{user.RoleStudent}, true)
	ex := testutil.CreateExercise(t, f.exRepo, teacher, "Géographie", exercise.TypeQCM, qcmContent, "", 0)
	att, err := f.attRepo.CreateAttempt(ctx, attempt.Attempt{
		ExerciseID:  ex.ID,
		StudentID:   student.ID,
		Score:       20, // stale
		Answers:     json.RawMessage(`{"choices":[0,1]}`),
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	tests := []cliTest{
		{name: "no target", args: []string{"rescore"}, wantErr: errHelp},
		{name: "both targets", args: []string{"rescore", "-exercise", ex.ID, "-all"}, wantErr: errHelp},
		{name: "unknown exercise", args: []string{"rescore", "-exercise", "lol"}, wantErr: exercise.ErrNotFound},
		{name: "dry run", args: []string{"rescore", "-exercise", ex.ID, "-dry-run"}, extra: "1 attempt(s) would be rescored\n"},
		{name: "all", args: []string{"rescore", "-all"}, extra: "1 attempt(s) rescored\n"},
		{name: "up to date", args: []string{"rescore", "-all"}, extra: "0 attempt(s) rescored\n"},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			f.out.Reset()
			tt.check(t, f.cli.run(args))
			if want, ok := tt.extra.(string); ok {
				assert.Contains(t, f.out.String(), want)
			}
		})
	}

	attempts, err := f.attRepo.QueryAttempts(ctx, &attempt.QueryFilter{ExerciseID: ex.ID}, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, att.ID, attempts[0].ID)
	assert.Equal(t, 100, attempts[0].Score)
	assert.NotEmpty(t, attempts[0].Feedback)
}

func Test_commandLine_fixImages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	teacher := testutil.CreateUser(t, f.usrRepo, "Mme Mbuyi", "mbuyi", "mbuyi@test.cd", "", []string{user.RoleTeacher}, true)
	legacy := testutil.CreateExercise(t, f.exRepo, teacher, "Animaux", exercise.TypeFlashcards,
		`{"cards":[{"front":"Dog","back":"Chien","front_image":"uploads\\dog.png"}]}`, "", 0)

	require.NoError(t, f.cli.run([]string{"admin", "fiximages", "-dry-run"}))
	assert.Equal(t, "1 exercise(s) would be updated\n", f.out.String())

	f.out.Reset()
	require.NoError(t, f.cli.run([]string{"admin", "fiximages"}))
	assert.Equal(t, "1 exercise(s) updated\n", f.out.String())

	got, err := f.exRepo.GetExercise(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Contains(t, string(got.Content), `/static/uploads/dog.png`)
}

func Test_commandLine_subscriptions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	teacher := testutil.CreateUser(t, f.usrRepo, "Mme Mbuyi", "mbuyi", "mbuyi@test.cd", "", []string{user.RoleTeacher}, true)
	lapsed := testutil.CreateUser(t, f.usrRepo, "M. Kabila", "kabila", "kabila@test.cd", "", []string{user.RoleTeacher}, true)
	lapsed = testutil.Subscribe(t, f.usrRepo, lapsed, core.PlanTeacher, time.Now().AddDate(0, 0, -1))
	sch := testutil.CreateSchool(t, f.schoolRepo, "Collège Boboto", core.Subscription{})

	tests := []cliTest{
		{name: "no target", args: []string{"activate"}, wantErr: errHelp},
		{name: "both targets", args: []string{"activate", "-user", "mbuyi", "-school", sch.ID}, wantErr: errHelp},
		{name: "negative months", args: []string{"activate", "-user", "mbuyi", "-months", "-1"}, wantErr: errHelp},
		{name: "unknown user", args: []string{"activate", "-user", "lol"}, wantErr: user.ErrNotFound},
		{name: "user by email", args: []string{"activate", "-user", "MBUYI@test.cd", "-months", "3"}},
		{name: "school", args: []string{"activate", "-school", sch.ID}},
		{name: "expire", args: []string{"expiresubscriptions"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, f.cli.run(args))
		})
	}

	got, err := f.usrRepo.GetUser(ctx, user.GetFilter{ID: teacher.ID})
	require.NoError(t, err)
	assert.Equal(t, core.SubscriptionActive, got.Subscription.Status)
	assert.Equal(t, core.PlanTeacher, got.Subscription.Type)
	assert.True(t, got.Subscription.ExpiresAt.After(time.Now().AddDate(0, 3, -1)))

	gotSch, err := f.schoolRepo.GetSchool(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SubscriptionActive, gotSch.Subscription.Status)
	assert.Equal(t, core.PlanSchool, gotSch.Subscription.Type)

	got, err = f.usrRepo.GetUser(ctx, user.GetFilter{ID: lapsed.ID})
	require.NoError(t, err)
	assert.Equal(t, core.SubscriptionExpired, got.Subscription.Status)
	assert.Contains(t, f.out.String(), "1 subscription(s) expired\n")
}
