package attempt_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/scoring"
	"github.com/classesnumeriques/platform/core/user"
	"github.com/classesnumeriques/platform/services/cache"
	inmemdb "github.com/classesnumeriques/platform/storage/database/inmem"
	testutil "github.com/classesnumeriques/platform/tests"
)

const qcmContent = `{"questions":[
	{"text":"Capitale du Congo ?","choices":[{"text":"Kinshasa","is_correct":true},{"text":"Lubumbashi"}]},
	{"text":"Nombres pairs ?","choices":[{"text":"2","is_correct":true},{"text":"3"},{"text":"4","is_correct":true}]}
]}`

const pairsContent = `{"pairs":[
	{"id":1,"left":{"type":"text","content":"Chat"},"right":{"type":"image","content":"static/uploads/chat.png"}},
	{"id":2,"left":{"type":"text","content":"Chien"},"right":{"type":"image","content":"static/uploads/chien.png"}}
]}`

var errNoAccess = errors.New("no access")

type accessFunc func(usr user.User, ex exercise.Exercise) error

func (f accessFunc) CheckExerciseAccess(_ context.Context, usr user.User, ex exercise.Exercise) error {
	return f(usr, ex)
}

type fixture struct {
	svc     attempt.ServiceInterface
	exSvc   exercise.ServiceInterface
	repo    attempt.Repository
	exRepo  exercise.Repository
	teacher user.User
	student user.User
	other   user.User
	cls     school.Class
	denied  map[string]bool // teacher IDs without access
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := inmemdb.Open()
	usrRepo := inmemdb.NewUserRepository(db)
	schoolRepo := inmemdb.NewSchoolRepository(db)
	exRepo := inmemdb.NewExerciseRepository(db)
	attRepo := inmemdb.NewAttemptRepository(db)
	exSvc := exercise.NewService(exRepo, school.NewService(schoolRepo), cache.NewMemoryCache(), testutil.NopLogger{})

	f := &fixture{
		exSvc:   exSvc,
		repo:    attRepo,
		exRepo:  exRepo,
		teacher: testutil.CreateUser(t, usrRepo, "Mme Mbuyi", "mbuyi", "mbuyi@test.cd", "", []string{user.RoleTeacher}, true),
		student: testutil.CreateUser(t, usrRepo, "Ilunga", "ilunga", "", "", []string{user.RoleStudent}, true),
		other:   testutil.CreateUser(t, usrRepo, "Tshala", "tshala", "", "", []string{user.RoleStudent}, true),
		denied:  make(map[string]bool),
	}
	f.cls = testutil.CreateClass(t, schoolRepo, f.teacher, "CM1 A", "ABC234")
	testutil.Enroll(t, schoolRepo, f.cls, f.student)

	f.svc = attempt.NewService(attRepo, db, exSvc, accessFunc(func(_ user.User, ex exercise.Exercise) error {
		if f.denied[ex.TeacherID] {
			return errNoAccess
		}
		return nil
	}))
	return f
}

func choices(sel ...scoring.Selection) scoring.Answers {
	return scoring.Answers{Choices: sel}
}

func TestService_Submit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ex := testutil.CreateExercise(t, f.exRepo, f.teacher, "Géographie", exercise.TypeQCM, qcmContent, f.cls.ID, 2)

	out, err := f.svc.Submit(ctx, f.student, ex, choices(scoring.Selection{1}, scoring.Selection{2, 0}))
	require.NoError(t, err)
	assert.Equal(t, 50, out.Result.Score)
	assert.Equal(t, 1, out.AttemptsLeft)
	require.NotNil(t, out.Attempt)
	assert.Equal(t, 50, out.Attempt.Score)
	assert.Equal(t, f.student.ID, out.Attempt.StudentID)

	var feedback []scoring.ItemFeedback
	require.NoError(t, json.Unmarshal(out.Attempt.Feedback, &feedback))
	require.Len(t, feedback, 2)
	assert.False(t, feedback[0].Correct)
	assert.True(t, feedback[1].Correct)

	out, err = f.svc.Submit(ctx, f.student, ex, choices(scoring.Selection{0}, scoring.Selection{0, 2}))
	require.NoError(t, err)
	assert.Equal(t, 100, out.Result.Score)
	assert.Equal(t, 0, out.AttemptsLeft)

	_, err = f.svc.Submit(ctx, f.student, ex, choices(scoring.Selection{0}, scoring.Selection{0, 2}))
	assert.Equal(t, attempt.ErrMaxAttempts, errors.Cause(err))

	// the teacher tries their exercise without it being recorded
	out, err = f.svc.Submit(ctx, f.teacher, ex, choices(scoring.Selection{0}))
	require.NoError(t, err)
	assert.Nil(t, out.Attempt)
	assert.Equal(t, 50, out.Result.Score)
	assert.Equal(t, -1, out.AttemptsLeft)

	n, err := f.repo.CountAttempts(ctx, ex.ID, f.student.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.repo.CountAttempts(ctx, ex.ID, f.teacher.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_Submit_Concurrent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ex := testutil.CreateExercise(t, f.exRepo, f.teacher, "Géographie", exercise.TypeQCM, qcmContent, f.cls.ID, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stored  int
		refused int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, f.student, ex, choices(scoring.Selection{0}, scoring.Selection{0, 2}))
			mu.Lock()
			defer mu.Unlock()
			switch errors.Cause(err) {
			case nil:
				stored++
			case attempt.ErrMaxAttempts:
				refused++
			default:
				t.Errorf("Submit() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, stored)
	assert.Equal(t, 9, refused)
	n, err := f.repo.CountAttempts(ctx, ex.ID, f.student.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_Submit_Denied(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ex := testutil.CreateExercise(t, f.exRepo, f.teacher, "Géographie", exercise.TypeQCM, qcmContent, f.cls.ID, 0)

	// not enrolled in the class
	_, err := f.svc.Submit(ctx, f.other, ex, choices(scoring.Selection{0}))
	assert.Equal(t, exercise.ErrForbidden, errors.Cause(err))

	// the teacher's subscription lapsed
	f.denied[f.teacher.ID] = true
	_, err = f.svc.Submit(ctx, f.student, ex, choices(scoring.Selection{0}))
	assert.Equal(t, errNoAccess, errors.Cause(err))

	// unlimited attempts
	f.denied[f.teacher.ID] = false
	out, err := f.svc.Submit(ctx, f.student, ex, choices())
	require.NoError(t, err)
	assert.Equal(t, -1, out.AttemptsLeft)
	assert.Equal(t, 0, out.Result.Score)
}

func TestService_BestScores(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ex := testutil.CreateExercise(t, f.exRepo, f.teacher, "Géographie", exercise.TypeQCM, qcmContent, "", 0)

	for _, a := range []struct {
		usr user.User
		ans scoring.Answers
	}{
		{f.student, choices(scoring.Selection{1}, scoring.Selection{1})},    // 0
		{f.student, choices(scoring.Selection{0}, scoring.Selection{0, 2})}, // 100
		{f.student, choices(scoring.Selection{0}, scoring.Selection{0})},    // 50
		{f.other, choices(scoring.Selection{1}, scoring.Selection{0, 2})},   // 50
	} {
		_, err := f.svc.Submit(ctx, a.usr, ex, a.ans)
		require.NoError(t, err)
	}

	scores, err := f.svc.BestScores(ctx, &attempt.QueryFilter{ExerciseID: ex.ID})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, f.student.ID, scores[0].StudentID)
	assert.Equal(t, 100, scores[0].BestScore)
	assert.Equal(t, 3, scores[0].Attempts)
	assert.Equal(t, f.other.ID, scores[1].StudentID)
	assert.Equal(t, 50, scores[1].BestScore)

	scores, err = f.svc.BestScores(ctx, &attempt.QueryFilter{ExerciseID: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, scores)

	n, err := f.svc.DeleteByExercise(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestService_Rescore(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ex := testutil.CreateExercise(t, f.exRepo, f.teacher, "Géographie", exercise.TypeQCM, qcmContent, "", 0)

	_, err := f.svc.Submit(ctx, f.student, ex, choices(scoring.Selection{1}, scoring.Selection{0, 2}))
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.other, ex, choices(scoring.Selection{0}, scoring.Selection{0, 2}))
	require.NoError(t, err)

	n, err := f.svc.Rescore(ctx, ex, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	// the answer key of the 1st question is fixed
	ex.Content = json.RawMessage(`{"questions":[
		{"text":"Capitale du Congo ?","choices":[{"text":"Kinshasa"},{"text":"Lubumbashi","is_correct":true}]},
		{"text":"Nombres pairs ?","choices":[{"text":"2","is_correct":true},{"text":"3"},{"text":"4","is_correct":true}]}
	]}`)

	n, err = f.svc.Rescore(ctx, ex, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	atts, err := f.svc.Query(ctx, &attempt.QueryFilter{StudentID: f.student.ID}, nil)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, 50, atts[0].Score)

	n, err = f.svc.Rescore(ctx, ex, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	atts, err = f.svc.Query(ctx, &attempt.QueryFilter{StudentID: f.student.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, atts[0].Score)
	atts, err = f.svc.Query(ctx, &attempt.QueryFilter{StudentID: f.other.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, atts[0].Score)
}

func TestService_Rescore_NormalizedImages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ex := testutil.CreateExercise(t, f.exRepo, f.teacher, "Animaux", exercise.TypePairs, pairsContent, "", 0)

	key := func(content string) string {
		return exercise.RightKey(exercise.PairItem{Type: "image", Content: content})
	}
	out, err := f.svc.Submit(ctx, f.student, ex, scoring.Answers{Pairs: map[string]string{
		"1": key("static/uploads/chat.png"),
		"2": key("static/uploads/chien.png"),
	}})
	require.NoError(t, err)
	require.Equal(t, 100, out.Result.Score)

	n, err := f.exSvc.NormalizeImages(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	ex, err = f.exRepo.GetExercise(ctx, ex.ID)
	require.NoError(t, err)
	require.Contains(t, string(ex.Content), `"/static/uploads/chat.png"`)

	// only the feedback picks up the new paths
	_, err = f.svc.Rescore(ctx, ex, false)
	require.NoError(t, err)
	atts, err := f.svc.Query(ctx, &attempt.QueryFilter{StudentID: f.student.ID}, nil)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, 100, atts[0].Score)

	var feedback []scoring.ItemFeedback
	require.NoError(t, json.Unmarshal(atts[0].Feedback, &feedback))
	require.Len(t, feedback, 2)
	for _, item := range feedback {
		assert.True(t, item.Correct)
		assert.Equal(t, item.Expected, item.UserAnswer)
	}
	assert.Equal(t, "/static/uploads/chat.png", feedback[0].Expected)
}
