package tests

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/classesnumeriques/platform/apps/api/echo"
	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
	testutil "github.com/classesnumeriques/platform/tests"
)

func Test_userApi_login(t *testing.T) {
	f := setup(t)
	testutil.CreateUser(t, f.usrRepo, "N Dog", "ndog", "ndog@test.cd", password, []string{user.RoleStudent}, false)

	tests := []struct {
		name     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{name: "username", body: echoapi.LoginRequest{Username: "MBUYI", Password: password}, wantCode: http.StatusOK},
		{name: "email", body: echoapi.LoginRequest{Username: "mbuyi@test.cd", Password: password}, wantCode: http.StatusOK},
		{
			name: "wrong password", body: echoapi.LoginRequest{Username: "mbuyi", Password: "nope"},
			wantCode: http.StatusBadRequest, wantErr: "authentication failed",
		},
		{
			name: "unknown user", body: echoapi.LoginRequest{Username: "ghost", Password: password},
			wantCode: http.StatusBadRequest, wantErr: "authentication failed",
		},
		{
			name: "deactivated", body: echoapi.LoginRequest{Username: "ndog", Password: password},
			wantCode: http.StatusForbidden, wantErr: "account deactivated",
		},
		{name: "missing fields", body: echoapi.LoginRequest{}, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/users/login", "", tt.body)
			requireCode(t, rec, tt.wantCode)
			if tt.wantCode == http.StatusOK {
				var resp echoapi.LoginResponse
				decode(t, rec, &resp)
				assert.NotEmpty(t, resp.Token)
			}
			if tt.wantErr != "" {
				var resp httpErr
				decode(t, rec, &resp)
				assert.Equal(t, tt.wantErr, resp.Error)
			}
		})
	}
}

func Test_userApi_signup(t *testing.T) {
	f := setup(t)

	body := map[string]string{
		"name":             "Papa Wemba",
		"username":         "wemba",
		"email":            "wemba@test.cd",
		"password":         password,
		"password_confirm": password,
		"role":             "teacher",
		"school_name":      "Institut Molière",
	}
	rec := f.do(http.MethodPost, "/api/users/signup", "", body)
	requireCode(t, rec, http.StatusCreated)

	var resp echoapi.SignupResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, []string{user.RoleTeacher}, resp.User.Roles)
	assert.Equal(t, "Institut Molière", resp.User.SchoolName)
	assert.NotEmpty(t, resp.User.SchoolID)
	// new teachers start with a trial
	assert.Equal(t, core.PlanTrial, resp.User.Subscription.Type)

	sch, err := f.schoolRepo.GetSchool(context.Background(), resp.User.SchoolID)
	require.NoError(t, err)
	assert.Equal(t, "Institut Molière", sch.Name)

	t.Run("taken username", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/users/signup", "", body)
		requireCode(t, rec, http.StatusConflict)
		var fields map[string]string
		decode(t, rec, &fields)
		assert.Contains(t, fields, "username")
		assert.Contains(t, fields, "email")
	})

	t.Run("admin role cannot be picked", func(t *testing.T) {
		body := map[string]string{
			"name": "Intrus", "username": "intrus", "password": password, "password_confirm": password, "role": "admin",
		}
		rec := f.do(http.MethodPost, "/api/users/signup", "", body)
		requireCode(t, rec, http.StatusBadRequest)
		var fields map[string]string
		decode(t, rec, &fields)
		assert.Contains(t, fields, "role")
	})
}

func Test_userApi_auth(t *testing.T) {
	f := setup(t)
	studentToken := getToken(t, f.student)

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		wantCode int
	}{
		{name: "auth required", method: http.MethodGet, path: "/api/users/me", wantCode: http.StatusUnauthorized},
		{name: "invalid token", method: http.MethodGet, path: "/api/users/me", token: "not-a-jwt", wantCode: http.StatusUnauthorized},
		{name: "me", method: http.MethodGet, path: "/api/users/me", token: studentToken, wantCode: http.StatusOK},
		{name: "admin required", method: http.MethodGet, path: "/api/users", token: studentToken, wantCode: http.StatusForbidden},
		{name: "roles admin only", method: http.MethodGet, path: "/api/users/roles", token: studentToken, wantCode: http.StatusForbidden},
		{name: "self", method: http.MethodGet, path: "/api/users/" + f.student.ID, token: studentToken, wantCode: http.StatusOK},
		{name: "other user hidden", method: http.MethodGet, path: "/api/users/" + f.teacher.ID, token: studentToken, wantCode: http.StatusNotFound},
		{name: "admin sees all", method: http.MethodGet, path: "/api/users/" + f.teacher.ID, token: getToken(t, f.admin), wantCode: http.StatusOK},
		{name: "refresh", method: http.MethodPost, path: "/api/users/token-refresh", token: studentToken, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.token)
			requireCode(t, rec, tt.wantCode)
		})
	}

	t.Run("missing token message", func(t *testing.T) {
		var resp httpErr
		decode(t, f.do(http.MethodGet, "/api/users/me", ""), &resp)
		assert.Equal(t, errMissingToken, resp)
	})
}

func Test_userApi_query(t *testing.T) {
	f := setup(t)
	adminToken := getToken(t, f.admin)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "search", query: "?search=ILUN", want: []string{"ilunga"}},
		{name: "role", query: "?role=" + user.RoleTeacher + "&ordering=username", want: []string{"kabila", "mbuyi"}},
		{name: "subscription", query: "?subscription_status=active", want: []string{"mbuyi"}},
		{name: "ordering", query: "?role=" + user.RoleStudent + "&ordering=-username", want: []string{"tshala", "ilunga"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, "/api/users"+tt.query, adminToken)
			requireCode(t, rec, http.StatusOK)

			var users []user.User
			decode(t, rec, &users)
			got := make([]string, 0, len(users))
			for _, u := range users {
				got = append(got, u.Username)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("invalid is_active", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/users?is_active=maybe", adminToken)
		requireCode(t, rec, http.StatusBadRequest)
	})
}

func Test_userApi_update(t *testing.T) {
	f := setup(t)
	studentToken := getToken(t, f.student)

	t.Run("own name", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/users/"+f.student.ID, studentToken, map[string]string{"name": "Ilunga Kasongo"})
		requireCode(t, rec, http.StatusOK)
		var usr user.User
		decode(t, rec, &usr)
		assert.Equal(t, "Ilunga Kasongo", usr.Name)
	})

	t.Run("own roles", func(t *testing.T) {
		rec := f.do(http.MethodPut, "/api/users/"+f.student.ID, studentToken, map[string]interface{}{"roles": []string{user.RoleAdmin}})
		requireCode(t, rec, http.StatusForbidden)
	})

	t.Run("admin cannot delete themselves", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/users/"+f.admin.ID, getToken(t, f.admin))
		requireCode(t, rec, http.StatusForbidden)
	})

	t.Run("admin deletes", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/users?id="+f.other.ID, getToken(t, f.admin))
		requireCode(t, rec, http.StatusNoContent)
		_, err := f.usrRepo.GetUser(context.Background(), user.GetFilter{ID: f.other.ID})
		assert.Equal(t, user.ErrNotFound, err)
	})
}

func Test_userApi_passwordReset(t *testing.T) {
	f := setup(t)

	for _, email := range []string{"ilunga@test.cd", "ghost@test.cd"} {
		rec := f.do(http.MethodPost, "/api/users/password-reset", "", echoapi.PasswordResetRequest{Email: email})
		requireCode(t, rec, http.StatusOK)
	}
	// only the known address gets an email
	assert.Equal(t, []string{"password_reset"}, f.outbox.Templates())
}
