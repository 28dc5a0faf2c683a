package tests

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/user"
	testutil "github.com/classesnumeriques/platform/tests"
)

func submission(choices ...int) map[string]interface{} {
	return map[string]interface{}{"answers": map[string]interface{}{"choices": choices}}
}

func Test_exerciseApi_create(t *testing.T) {
	f := setup(t)
	teacherToken := getToken(t, f.teacher)

	tests := []struct {
		name       string
		token      string
		body       map[string]interface{}
		wantCode   int
		wantFields []string
	}{
		{
			name:  "valid",
			token: teacherToken,
			body: map[string]interface{}{
				"title": "Capitales", "exercise_type": "QCM", "content": jsonRaw(qcmContent), "class_id": f.cls.ID,
			},
			wantCode: http.StatusCreated,
		},
		{
			name:       "unknown type",
			token:      teacherToken,
			body:       map[string]interface{}{"title": "Capitales", "exercise_type": "essay", "content": jsonRaw(qcmContent)},
			wantCode:   http.StatusBadRequest,
			wantFields: []string{"exercise_type"},
		},
		{
			name:  "no correct choice",
			token: teacherToken,
			body: map[string]interface{}{
				"title": "Capitales", "exercise_type": "qcm",
				"content": jsonRaw(`{"questions":[{"text":"?","choices":[{"text":"a"},{"text":"b"}]}]}`),
			},
			wantCode:   http.StatusBadRequest,
			wantFields: []string{"content"},
		},
		{
			name:  "class of another teacher",
			token: getToken(t, f.expired),
			body: map[string]interface{}{
				"title": "Capitales", "exercise_type": "qcm", "content": jsonRaw(qcmContent), "class_id": f.cls.ID,
			},
			wantCode:   http.StatusBadRequest,
			wantFields: []string{"class_id"},
		},
		{
			name:     "students cannot create",
			token:    getToken(t, f.student),
			body:     map[string]interface{}{"title": "Capitales", "exercise_type": "qcm", "content": jsonRaw(qcmContent)},
			wantCode: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/exercises", tt.token, tt.body)
			requireCode(t, rec, tt.wantCode)
			if tt.wantCode == http.StatusCreated {
				var ex exercise.Exercise
				decode(t, rec, &ex)
				assert.Equal(t, exercise.TypeQCM, ex.Type)
				assert.Equal(t, f.teacher.ID, ex.TeacherID)
				assert.Equal(t, f.cls.ID, ex.ClassID)
			}
			if len(tt.wantFields) > 0 {
				var fields map[string]string
				decode(t, rec, &fields)
				for _, fld := range tt.wantFields {
					assert.Contains(t, fields, fld)
				}
			}
		})
	}
}

func Test_exerciseApi_visibility(t *testing.T) {
	f := setup(t)
	ex := f.createExercise(t, 0)

	tests := []struct {
		name        string
		usr         user.User
		wantCode    int
		wantAnswers bool
	}{
		{name: "owner", usr: f.teacher, wantCode: http.StatusOK, wantAnswers: true},
		{name: "admin", usr: f.admin, wantCode: http.StatusOK, wantAnswers: true},
		{name: "enrolled student", usr: f.student, wantCode: http.StatusOK},
		{name: "other teacher", usr: f.expired, wantCode: http.StatusNotFound},
		{name: "student of another class", usr: f.other, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/exercises/"+ex.ID, getToken(t, tt.usr))
			requireCode(t, rec, tt.wantCode)
			if tt.wantCode != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantAnswers, strings.Contains(rec.Body.String(), "is_correct"))
		})
	}

	t.Run("student list", func(t *testing.T) {
		testutil.CreateExercise(t, f.exRepo, f.teacher, "Autre classe", exercise.TypeQCM, qcmContent, "", 0)

		rec := f.do(http.MethodGet, "/api/exercises", getToken(t, f.student))
		requireCode(t, rec, http.StatusOK)
		var exercises []exercise.Exercise
		decode(t, rec, &exercises)
		require.Len(t, exercises, 1)
		assert.Equal(t, ex.ID, exercises[0].ID)
		assert.NotContains(t, string(exercises[0].Content), "is_correct")
	})

	t.Run("teacher list", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/exercises?ordering=title", getToken(t, f.teacher))
		requireCode(t, rec, http.StatusOK)
		var exercises []exercise.Exercise
		decode(t, rec, &exercises)
		require.Len(t, exercises, 2)
		assert.Equal(t, "Autre classe", exercises[0].Title)
	})
}

func Test_exerciseApi_submit(t *testing.T) {
	f := setup(t)
	ex := f.createExercise(t, 2)
	studentToken := getToken(t, f.student)

	rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", studentToken, submission(0, 1))
	requireCode(t, rec, http.StatusCreated)

	var outcome attempt.Outcome
	decode(t, rec, &outcome)
	assert.Equal(t, 100, outcome.Result.Score)
	assert.Equal(t, 2, outcome.Result.Correct)
	assert.Equal(t, 2, outcome.Result.Total)
	assert.Equal(t, 1, outcome.AttemptsLeft)
	require.NotNil(t, outcome.Attempt)
	assert.Equal(t, f.student.ID, outcome.Attempt.StudentID)

	t.Run("teacher preview is not stored", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", getToken(t, f.teacher), submission(1, 1))
		requireCode(t, rec, http.StatusOK)
		var outcome attempt.Outcome
		decode(t, rec, &outcome)
		assert.Equal(t, 50, outcome.Result.Score)
		assert.Nil(t, outcome.Attempt)
	})

	t.Run("max attempts", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", studentToken, submission(1, 0))
		requireCode(t, rec, http.StatusCreated)
		var outcome attempt.Outcome
		decode(t, rec, &outcome)
		assert.Equal(t, 0, outcome.Result.Score)
		assert.Equal(t, 0, outcome.AttemptsLeft)

		rec = f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", studentToken, submission(0, 1))
		requireCode(t, rec, http.StatusConflict)
	})

	t.Run("own attempts", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/attempts?exercise_id="+ex.ID+"&ordering=-score", studentToken)
		requireCode(t, rec, http.StatusOK)
		var attempts []attempt.Attempt
		decode(t, rec, &attempts)
		require.Len(t, attempts, 2)
		assert.Equal(t, 100, attempts[0].Score)
		assert.Equal(t, 0, attempts[1].Score)
	})

	t.Run("best scores", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/exercises/"+ex.ID+"/best-scores", getToken(t, f.teacher))
		requireCode(t, rec, http.StatusOK)
		var scores []attempt.BestScore
		decode(t, rec, &scores)
		require.Len(t, scores, 1)
		assert.Equal(t, 100, scores[0].BestScore)
		assert.Equal(t, 0, scores[0].LastScore)
		assert.Equal(t, 2, scores[0].Attempts)
	})

	t.Run("stats", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/exercises/"+ex.ID+"/stats", getToken(t, f.teacher))
		requireCode(t, rec, http.StatusOK)
		var stats report.ExerciseStats
		decode(t, rec, &stats)
		assert.Equal(t, ex.ID, stats.ExerciseID)
		assert.Equal(t, 2, stats.Attempts)
		assert.Equal(t, 1, stats.Students)
		assert.Equal(t, 50.0, stats.AverageScore)
		assert.Equal(t, 100.0, stats.PassRate)
	})

	t.Run("students cannot read the results", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/exercises/"+ex.ID+"/attempts", studentToken)
		requireCode(t, rec, http.StatusForbidden)
	})
}

func Test_exerciseApi_submitWithoutSubscription(t *testing.T) {
	f := setup(t)
	cls := testutil.CreateClass(t, f.schoolRepo, f.expired, "CM2", "XYZ789")
	testutil.Enroll(t, f.schoolRepo, cls, f.student)
	ex := testutil.CreateExercise(t, f.exRepo, f.expired, "Calcul", exercise.TypeQCM, qcmContent, cls.ID, 0)

	rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", getToken(t, f.student), submission(0, 1))
	requireCode(t, rec, http.StatusForbidden)

	// a school subscription opens the access to its teachers
	sch := testutil.CreateSchool(t, f.schoolRepo, "EP Lemba", core.Subscription{
		Status: core.SubscriptionActive, Type: core.PlanSchool, ExpiresAt: time.Now().AddDate(1, 0, 0),
	})
	teacher := f.expired
	teacher.SchoolID, teacher.SchoolName = sch.ID, sch.Name
	_, err := f.usrRepo.UpdateUser(context.Background(), teacher)
	require.NoError(t, err)

	rec = f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", getToken(t, f.student), submission(0, 1))
	requireCode(t, rec, http.StatusCreated)
}

func Test_exerciseApi_manage(t *testing.T) {
	f := setup(t)
	ex := f.createExercise(t, 0)
	teacherToken := getToken(t, f.teacher)

	rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", getToken(t, f.student), submission(0, 0))
	requireCode(t, rec, http.StatusCreated)

	t.Run("update", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/exercises/"+ex.ID, teacherToken, map[string]interface{}{"title": "Géographie (RDC)", "max_attempts": 3})
		requireCode(t, rec, http.StatusOK)
		var updated exercise.Exercise
		decode(t, rec, &updated)
		assert.Equal(t, "Géographie (RDC)", updated.Title)
		assert.Equal(t, 3, updated.MaxAttempts)
		assert.JSONEq(t, qcmContent, string(updated.Content))
	})

	t.Run("duplicate", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/duplicate", teacherToken)
		requireCode(t, rec, http.StatusCreated)
		var dup exercise.Exercise
		decode(t, rec, &dup)
		assert.NotEqual(t, ex.ID, dup.ID)
		assert.Empty(t, dup.ClassID)
		assert.JSONEq(t, qcmContent, string(dup.Content))
	})

	t.Run("export", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/exercises/"+ex.ID+"/attempts/export", teacherToken)
		requireCode(t, rec, http.StatusOK)
		assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=")
		// xlsx files are zip archives
		assert.True(t, strings.HasPrefix(rec.Body.String(), "PK"))
	})

	t.Run("email export", func(t *testing.T) {
		f.outbox.Reset()
		rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/attempts/email", teacherToken)
		requireCode(t, rec, http.StatusAccepted)
		assert.Len(t, f.outbox.Templates(), 1)
	})

	t.Run("delete attempts", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/exercises/"+ex.ID+"/attempts", teacherToken)
		requireCode(t, rec, http.StatusOK)
		var resp map[string]int
		decode(t, rec, &resp)
		assert.Equal(t, 1, resp["deleted"])
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/exercises/"+ex.ID, getToken(t, f.student))
		requireCode(t, rec, http.StatusForbidden)

		rec = f.do(http.MethodDelete, "/api/exercises/"+ex.ID, teacherToken)
		requireCode(t, rec, http.StatusNoContent)
		rec = f.do(http.MethodGet, "/api/exercises/"+ex.ID, teacherToken)
		requireCode(t, rec, http.StatusNotFound)
	})
}
