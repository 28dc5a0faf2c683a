// Package testutil holds fixtures shared by the tests of several packages.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/user"
)

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:         name,
		Username:     uname,
		Email:        email,
		Roles:        roles,
		Subscription: core.Subscription{}.Normalize(),
		CreatedAt:    tstamp,
		UpdatedAt:    tstamp,
	}
	usr.SetActive(isActive)
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// Subscribe gives `usr` an active subscription of type `typ` expiring at `expiresAt`.
func Subscribe(t *testing.T, repo user.Repository, usr user.User, typ core.SubscriptionType, expiresAt time.Time) user.User {
	t.Helper()
	usr.Subscription = core.Subscription{Status: core.SubscriptionActive, Type: typ, ExpiresAt: expiresAt.UTC()}
	usr, err := repo.UpdateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("subscribe() failed: %v", err)
	}
	return usr
}

func CreateSchool(t *testing.T, repo school.Repository, name string, sub core.Subscription) school.School {
	t.Helper()
	now := time.Now().UTC()
	sch, err := repo.CreateSchool(context.Background(), school.School{
		Name:         name,
		Subscription: sub.Normalize(),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("createSchool() failed: %v", err)
	}
	return sch
}

func CreateClass(t *testing.T, repo school.Repository, teacher user.User, name, code string) school.Class {
	t.Helper()
	cls, err := repo.CreateClass(context.Background(), school.Class{
		Name:       name,
		TeacherID:  teacher.ID,
		SchoolID:   teacher.SchoolID,
		AccessCode: code,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("createClass() failed: %v", err)
	}
	return cls
}

func Enroll(t *testing.T, repo school.Repository, cls school.Class, students ...user.User) {
	t.Helper()
	for _, std := range students {
		enr := school.Enrollment{ClassID: cls.ID, StudentID: std.ID, JoinedAt: time.Now().UTC()}
		if err := repo.AddStudent(context.Background(), enr); err != nil {
			t.Fatalf("enroll() failed: %v", err)
		}
	}
}

func CreateExercise(
	t *testing.T,
	repo exercise.Repository,
	teacher user.User,
	title string,
	typ exercise.Type,
	content string,
	classID string,
	maxAttempts int,
) exercise.Exercise {
	t.Helper()
	now := time.Now().UTC()
	ex, err := repo.CreateExercise(context.Background(), exercise.Exercise{
		Title:       title,
		Subject:     "Français",
		Level:       "CM1",
		Type:        typ,
		Content:     json.RawMessage(content),
		MaxAttempts: maxAttempts,
		TeacherID:   teacher.ID,
		ClassID:     classID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("createExercise() failed: %v", err)
	}
	return ex
}

// MailOutbox is an email service keeping the sent messages in memory.
type MailOutbox struct {
	mu       sync.Mutex
	Messages []*core.EmailMessage
}

var _ core.EmailService = (*MailOutbox)(nil) // interface compliance check

func (o *MailOutbox) SendMessages(messages ...*core.EmailMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Messages = append(o.Messages, messages...)
}

// Templates returns the template names of the sent messages, in order.
func (o *MailOutbox) Templates() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.Messages))
	for _, m := range o.Messages {
		names = append(names, m.TemplateName)
	}
	return names
}

func (o *MailOutbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Messages = nil
}

// NopLogger drops everything.
type NopLogger struct{}

var _ core.Logger = NopLogger{} // interface compliance check

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Fatal(string, ...interface{}) {}
