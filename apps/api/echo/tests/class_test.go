package tests

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/user"
)

func Test_schoolApi_classes(t *testing.T) {
	f := setup(t)
	teacherToken := getToken(t, f.teacher)
	otherToken := getToken(t, f.other)

	rec := f.do(http.MethodPost, "/api/classes", teacherToken, map[string]string{"name": " CE2 B ", "level": "CE2"})
	requireCode(t, rec, http.StatusCreated)
	var cls school.Class
	decode(t, rec, &cls)
	assert.Equal(t, "CE2 B", cls.Name)
	assert.Equal(t, f.teacher.ID, cls.TeacherID)
	require.Len(t, cls.AccessCode, 6)

	t.Run("students cannot create classes", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/classes", otherToken, map[string]string{"name": "Pirates"})
		requireCode(t, rec, http.StatusForbidden)
	})

	t.Run("join with a wrong code", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/classes/join", otherToken, map[string]string{"access_code": "ZZZZZZ"})
		requireCode(t, rec, http.StatusBadRequest)
		var fields map[string]string
		decode(t, rec, &fields)
		assert.Contains(t, fields, "access_code")
	})

	t.Run("unenrolled student cannot see the class", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/classes/"+cls.ID, otherToken)
		requireCode(t, rec, http.StatusNotFound)
	})

	t.Run("join", func(t *testing.T) {
		// codes are case insensitive
		rec := f.do(http.MethodPost, "/api/classes/join", otherToken, map[string]string{"access_code": " " + strings.ToLower(cls.AccessCode)})
		requireCode(t, rec, http.StatusOK)
		var joined school.Class
		decode(t, rec, &joined)
		assert.Equal(t, cls.ID, joined.ID)
		assert.Empty(t, joined.AccessCode)

		enrolled, err := f.schoolRepo.IsEnrolled(context.Background(), cls.ID, f.other.ID)
		require.NoError(t, err)
		assert.True(t, enrolled)
	})

	t.Run("student list hides codes", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/classes", otherToken)
		requireCode(t, rec, http.StatusOK)
		var classes []school.Class
		decode(t, rec, &classes)
		require.Len(t, classes, 1)
		assert.Equal(t, cls.ID, classes[0].ID)
		assert.Empty(t, classes[0].AccessCode)
	})

	t.Run("teacher list", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/classes", teacherToken)
		requireCode(t, rec, http.StatusOK)
		var classes []school.Class
		decode(t, rec, &classes)
		assert.Len(t, classes, 2)
		for _, c := range classes {
			assert.NotEmpty(t, c.AccessCode)
		}
	})

	t.Run("students", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/classes/"+cls.ID+"/students", teacherToken)
		requireCode(t, rec, http.StatusOK)
		var students []user.User
		decode(t, rec, &students)
		require.Len(t, students, 1)
		assert.Equal(t, f.other.ID, students[0].ID)
	})

	t.Run("only the class teacher manages it", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/classes/"+cls.ID+"/code", getToken(t, f.expired))
		requireCode(t, rec, http.StatusNotFound)
		rec = f.do(http.MethodGet, "/api/classes/"+cls.ID+"/students", otherToken)
		requireCode(t, rec, http.StatusForbidden)
	})

	t.Run("regenerate code", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/classes/"+cls.ID+"/code", teacherToken)
		requireCode(t, rec, http.StatusOK)
		var updated school.Class
		decode(t, rec, &updated)
		assert.NotEqual(t, cls.AccessCode, updated.AccessCode)

		rec = f.do(http.MethodPost, "/api/classes/join", getToken(t, f.student), map[string]string{"access_code": cls.AccessCode})
		requireCode(t, rec, http.StatusBadRequest)
	})

	t.Run("leave", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/classes/"+cls.ID+"/leave", otherToken)
		requireCode(t, rec, http.StatusNoContent)
		rec = f.do(http.MethodGet, "/api/classes/"+cls.ID, otherToken)
		requireCode(t, rec, http.StatusNotFound)
	})
}

func Test_schoolApi_classResults(t *testing.T) {
	f := setup(t)
	ex := f.createExercise(t, 0)

	rec := f.do(http.MethodPost, "/api/exercises/"+ex.ID+"/submit", getToken(t, f.student), map[string]interface{}{
		"answers": map[string]interface{}{"choices": []int{0, 0}},
	})
	requireCode(t, rec, http.StatusCreated)

	rec = f.do(http.MethodGet, "/api/classes/"+f.cls.ID+"/results", getToken(t, f.teacher))
	requireCode(t, rec, http.StatusOK)

	var res report.ClassResults
	decode(t, rec, &res)
	assert.Equal(t, f.cls.ID, res.ClassID)
	assert.Equal(t, []report.ExerciseRef{{ID: ex.ID, Title: ex.Title}}, res.Exercises)
	require.Len(t, res.Students, 1)
	assert.Equal(t, f.student.ID, res.Students[0].StudentID)
	assert.Equal(t, map[string]int{ex.ID: 50}, res.Students[0].Scores)
	assert.Equal(t, 50.0, res.Students[0].Average)
}

func Test_schoolApi_schools(t *testing.T) {
	f := setup(t)
	adminToken := getToken(t, f.admin)

	rec := f.do(http.MethodPost, "/api/schools", adminToken, map[string]string{"name": "Lycée Bosangani", "city": "Kinshasa"})
	requireCode(t, rec, http.StatusCreated)
	var sch school.School
	decode(t, rec, &sch)

	t.Run("public listing", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/schools?search=bosangani", "")
		requireCode(t, rec, http.StatusOK)
		var schools []school.School
		decode(t, rec, &schools)
		require.Len(t, schools, 1)
		assert.Equal(t, sch.ID, schools[0].ID)
	})

	t.Run("admin only", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/schools/"+sch.ID, getToken(t, f.teacher))
		requireCode(t, rec, http.StatusForbidden)
		rec = f.do(http.MethodPost, "/api/schools", "", map[string]string{"name": "Anonyme"})
		requireCode(t, rec, http.StatusUnauthorized)
	})

	t.Run("update", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/schools/"+sch.ID, adminToken, map[string]string{"city": "Lubumbashi"})
		requireCode(t, rec, http.StatusOK)
		var updated school.School
		decode(t, rec, &updated)
		assert.Equal(t, "Lycée Bosangani", updated.Name)
		assert.Equal(t, "Lubumbashi", updated.City)
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/schools/"+sch.ID, adminToken)
		requireCode(t, rec, http.StatusNoContent)
		rec = f.do(http.MethodGet, "/api/schools/"+sch.ID, adminToken)
		requireCode(t, rec, http.StatusNotFound)
	})
}
