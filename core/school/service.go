package school

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
)

var (
	ErrNotFound      = errors.New("school not found")
	ErrClassNotFound = errors.New("class not found")
	ErrCodeTaken     = errors.New("access code already taken")
	ErrSchoolExists  = errors.New("a school with this name already exists")

	// unambiguous characters only (no 0/O, 1/I/L)
	codeAlphabet   = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLen        = 6
	codeMaxRetries = 5
)

type ServiceInterface interface {
	CreateSchool(ctx context.Context, ns NewSchool) (School, error)
	GetSchool(ctx context.Context, id string) (School, error)
	QuerySchools(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]School, error)
	UpdateSchool(ctx context.Context, id string, us UpdateSchool) (School, error)
	SaveSchool(ctx context.Context, sch School, exec ...core.DBExecutor) (School, error)
	DeleteSchool(ctx context.Context, id string) error
	// FindOrCreateSchool returns the school named `name`, registering it if unknown.
	FindOrCreateSchool(ctx context.Context, name, city string) (School, error)

	CreateClass(ctx context.Context, teacher user.User, nc NewClass) (Class, error)
	GetClass(ctx context.Context, id string) (Class, error)
	QueryClasses(ctx context.Context, filter ClassFilter) ([]Class, error)
	UpdateClass(ctx context.Context, cls Class, nc NewClass) (Class, error)
	RegenerateCode(ctx context.Context, cls Class) (Class, error)
	DeleteClass(ctx context.Context, id string) error
	JoinClass(ctx context.Context, student user.User, code string) (Class, error)
	LeaveClass(ctx context.Context, classID, studentID string) error
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	ClassStudentIDs(ctx context.Context, classID string) ([]string, error)
	// CanManageClass reports whether `usr` is the class teacher or an admin.
	CanManageClass(usr user.User, cls Class) bool
}

type service struct {
	repo    Repository
	nowFunc func() time.Time
}

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(repo Repository) *service {
	return &service{repo: repo, nowFunc: time.Now}
}

func (svc *service) now() time.Time {
	return svc.nowFunc().UTC()
}

// Schools

func (svc *service) CreateSchool(ctx context.Context, ns NewSchool) (School, error) {
	if _, err := svc.repo.GetSchoolByName(ctx, ns.Name); err == nil {
		return School{}, core.NewFieldValidationError("name", ErrSchoolExists.Error())
	} else if errors.Cause(err) != ErrNotFound {
		return School{}, errors.Wrap(err, "finding school by name")
	}

	now := svc.now()
	sch, err := svc.repo.CreateSchool(ctx, School{
		Name:         ns.Name,
		City:         ns.City,
		Subscription: core.Subscription{}.Normalize(),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	return sch, errors.Wrap(err, "creating school")
}

func (svc *service) GetSchool(ctx context.Context, id string) (School, error) {
	return svc.repo.GetSchool(ctx, id)
}

func (svc *service) QuerySchools(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]School, error) {
	ordering = core.FilterOrdering(ordering, "name", "city", "created_at")
	return svc.repo.QuerySchools(ctx, filter, ordering)
}

func (svc *service) UpdateSchool(ctx context.Context, id string, us UpdateSchool) (School, error) {
	sch, err := svc.repo.GetSchool(ctx, id)
	if err != nil {
		return School{}, err
	}
	if !strings.EqualFold(sch.Name, us.Name) {
		if _, err := svc.repo.GetSchoolByName(ctx, us.Name); err == nil {
			return School{}, core.NewFieldValidationError("name", ErrSchoolExists.Error())
		}
	}
	sch.Name = us.Name
	sch.City = us.City
	return svc.SaveSchool(ctx, sch)
}

func (svc *service) SaveSchool(ctx context.Context, sch School, exec ...core.DBExecutor) (School, error) {
	sch.UpdatedAt = svc.now()
	sch, err := svc.repo.UpdateSchool(ctx, sch, exec...)
	return sch, errors.Wrap(err, "updating school")
}

func (svc *service) DeleteSchool(ctx context.Context, id string) error {
	return svc.repo.DeleteSchool(ctx, id)
}

func (svc *service) FindOrCreateSchool(ctx context.Context, name, city string) (School, error) {
	name = core.CleanString(name)
	if name == "" {
		return School{}, core.NewFieldValidationError("school_name", "this field is required")
	}
	sch, err := svc.repo.GetSchoolByName(ctx, name)
	if err == nil {
		return sch, nil
	}
	if errors.Cause(err) != ErrNotFound {
		return School{}, errors.Wrap(err, "finding school by name")
	}
	return svc.CreateSchool(ctx, NewSchool{Name: name, City: core.CleanString(city)})
}

// Classes

func (svc *service) CreateClass(ctx context.Context, teacher user.User, nc NewClass) (Class, error) {
	cls := Class{
		Name:      nc.Name,
		Level:     nc.Level,
		TeacherID: teacher.ID,
		SchoolID:  teacher.SchoolID,
		CreatedAt: svc.now(),
	}
	for i := 0; i < codeMaxRetries; i++ {
		code, err := generateCode()
		if err != nil {
			return Class{}, errors.Wrap(err, "generating access code")
		}
		cls.AccessCode = code

		created, err := svc.repo.CreateClass(ctx, cls)
		if errors.Cause(err) == ErrCodeTaken {
			continue
		}
		return created, errors.Wrap(err, "creating class")
	}
	return Class{}, ErrCodeTaken
}

func (svc *service) GetClass(ctx context.Context, id string) (Class, error) {
	return svc.repo.GetClass(ctx, id)
}

func (svc *service) QueryClasses(ctx context.Context, filter ClassFilter) ([]Class, error) {
	return svc.repo.QueryClasses(ctx, filter)
}

func (svc *service) UpdateClass(ctx context.Context, cls Class, nc NewClass) (Class, error) {
	cls.Name = nc.Name
	cls.Level = nc.Level
	cls, err := svc.repo.UpdateClass(ctx, cls)
	return cls, errors.Wrap(err, "updating class")
}

func (svc *service) RegenerateCode(ctx context.Context, cls Class) (Class, error) {
	for i := 0; i < codeMaxRetries; i++ {
		code, err := generateCode()
		if err != nil {
			return Class{}, errors.Wrap(err, "generating access code")
		}
		cls.AccessCode = code

		updated, err := svc.repo.UpdateClass(ctx, cls)
		if errors.Cause(err) == ErrCodeTaken {
			continue
		}
		return updated, errors.Wrap(err, "updating class")
	}
	return Class{}, ErrCodeTaken
}

func (svc *service) DeleteClass(ctx context.Context, id string) error {
	return svc.repo.DeleteClass(ctx, id)
}

func (svc *service) JoinClass(ctx context.Context, student user.User, code string) (Class, error) {
	cls, err := svc.repo.GetClassByCode(ctx, normalizeCode(code))
	if err != nil {
		if errors.Cause(err) == ErrClassNotFound {
			return Class{}, core.NewFieldValidationError("access_code", "invalid access code")
		}
		return Class{}, errors.Wrap(err, "finding class by code")
	}

	enrolled, err := svc.repo.IsEnrolled(ctx, cls.ID, student.ID)
	if err != nil {
		return Class{}, errors.Wrap(err, "checking enrollment")
	}
	if !enrolled {
		enr := Enrollment{ClassID: cls.ID, StudentID: student.ID, JoinedAt: svc.now()}
		if err = svc.repo.AddStudent(ctx, enr); err != nil {
			return Class{}, errors.Wrap(err, "adding student")
		}
	}
	return cls, nil
}

func (svc *service) LeaveClass(ctx context.Context, classID, studentID string) error {
	return svc.repo.RemoveStudent(ctx, classID, studentID)
}

func (svc *service) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	return svc.repo.IsEnrolled(ctx, classID, studentID)
}

func (svc *service) ClassStudentIDs(ctx context.Context, classID string) ([]string, error) {
	return svc.repo.ClassStudentIDs(ctx, classID)
}

func (svc *service) CanManageClass(usr user.User, cls Class) bool {
	return usr.IsAdmin() || (usr.IsTeacher() && cls.TeacherID == usr.ID)
}

func generateCode() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(core.CleanString(code), " ", ""))
}
