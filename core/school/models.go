package school

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/classesnumeriques/platform/core"
)

type School struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	City         string            `json:"city"`
	Subscription core.Subscription `json:"subscription"`
	CreatedAt    time.Time         `json:"created_at"` // UTC
	UpdatedAt    time.Time         `json:"updated_at"` // UTC
}

// Class groups the students of a teacher; students join with the AccessCode.
type Class struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Level      string    `json:"level"`
	TeacherID  string    `json:"teacher_id"`
	SchoolID   string    `json:"school_id"`
	AccessCode string    `json:"access_code"`
	CreatedAt  time.Time `json:"created_at"` // UTC
}

// Enrollment links a student to a class.
type Enrollment struct {
	ClassID   string    `json:"class_id"`
	StudentID string    `json:"student_id"`
	JoinedAt  time.Time `json:"joined_at"` // UTC
}

type NewSchool struct {
	Name string `json:"name" validate:"required,max=200"`
	City string `json:"city" validate:"max=100"`
}

func (ns *NewSchool) Validate(validate *validator.Validate) error {
	ns.Name = core.CleanString(ns.Name)
	ns.City = core.CleanString(ns.City)
	return validate.Struct(ns)
}

type UpdateSchool struct {
	Name string `json:"name" validate:"omitempty,max=200"`
	City string `json:"city" validate:"omitempty,max=100"`
}

func (us *UpdateSchool) Validate(orig School, validate *validator.Validate) error {
	if name := core.CleanString(us.Name); name != "" {
		us.Name = name
	} else {
		us.Name = orig.Name
	}
	if city := core.CleanString(us.City); city != "" {
		us.City = city
	} else {
		us.City = orig.City
	}
	return validate.Struct(us)
}

type NewClass struct {
	Name  string `json:"name" validate:"required,max=100"`
	Level string `json:"level" validate:"max=50"`
}

func (nc *NewClass) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	nc.Level = core.CleanString(nc.Level)
	return validate.Struct(nc)
}

type JoinClass struct {
	AccessCode string `json:"access_code" validate:"required,len=6"`
}

func (jc *JoinClass) Validate(validate *validator.Validate) error {
	jc.AccessCode = normalizeCode(jc.AccessCode)
	return validate.Struct(jc)
}

type QueryFilter struct {
	Search             string                  `query:"search"`
	SubscriptionStatus core.SubscriptionStatus `query:"subscription_status"`
	ExpiresAfter       time.Time               `query:"-"`
	ExpiresBefore      time.Time               `query:"-"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

type ClassFilter struct {
	TeacherID string
	StudentID string
	SchoolID  string
}

type Repository interface {
	CreateSchool(ctx context.Context, sch School, exec ...core.DBExecutor) (School, error)
	GetSchool(ctx context.Context, id string, exec ...core.DBExecutor) (School, error)
	GetSchoolByName(ctx context.Context, name string, exec ...core.DBExecutor) (School, error)
	QuerySchools(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]School, error)
	UpdateSchool(ctx context.Context, sch School, exec ...core.DBExecutor) (School, error)
	DeleteSchool(ctx context.Context, id string, exec ...core.DBExecutor) error

	CreateClass(ctx context.Context, cls Class, exec ...core.DBExecutor) (Class, error)
	GetClass(ctx context.Context, id string, exec ...core.DBExecutor) (Class, error)
	GetClassByCode(ctx context.Context, code string, exec ...core.DBExecutor) (Class, error)
	QueryClasses(ctx context.Context, filter ClassFilter, exec ...core.DBExecutor) ([]Class, error)
	UpdateClass(ctx context.Context, cls Class, exec ...core.DBExecutor) (Class, error)
	DeleteClass(ctx context.Context, id string, exec ...core.DBExecutor) error

	AddStudent(ctx context.Context, enr Enrollment, exec ...core.DBExecutor) error
	RemoveStudent(ctx context.Context, classID, studentID string, exec ...core.DBExecutor) error
	IsEnrolled(ctx context.Context, classID, studentID string, exec ...core.DBExecutor) (bool, error)
	ClassStudentIDs(ctx context.Context, classID string, exec ...core.DBExecutor) ([]string, error)
}
