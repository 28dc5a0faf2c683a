package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/school"
)

type schoolRepository struct {
	db *schoolTable
}

var _ school.Repository = (*schoolRepository)(nil) // interface compliance check

func NewSchoolRepository(db *DB) *schoolRepository {
	return &schoolRepository{db: db.school}
}

// Schools

func (repo *schoolRepository) CreateSchool(_ context.Context, sch school.School, _ ...core.DBExecutor) (school.School, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sch.ID = uuid.NewString()
	sch.Subscription = sch.Subscription.Normalize()
	repo.db.schools[sch.ID] = &sch
	return sch, nil
}

func (repo *schoolRepository) GetSchool(_ context.Context, id string, _ ...core.DBExecutor) (school.School, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sch, ok := repo.db.schools[id]; ok {
		return *sch, nil
	}
	return school.School{}, school.ErrNotFound
}

func (repo *schoolRepository) GetSchoolByName(_ context.Context, name string, _ ...core.DBExecutor) (school.School, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, sch := range repo.db.schools {
		if strings.EqualFold(sch.Name, name) {
			return *sch, nil
		}
	}
	return school.School{}, school.ErrNotFound
}

func (repo *schoolRepository) QuerySchools(_ context.Context, filter *school.QueryFilter, ordering []core.DBOrdering, _ ...core.DBExecutor) ([]school.School, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	schools := make([]school.School, 0, len(repo.db.schools))
	for _, sch := range repo.db.schools {
		if filter == nil || matchSchool(*sch, filter) {
			schools = append(schools, *sch)
		}
	}

	sort.SliceStable(schools, orderedLess(ordering, func(field string, i, j int) int {
		a, b := schools[i], schools[j]
		switch field {
		case "name":
			return cmpStrings(a.Name, b.Name)
		case "city":
			return cmpStrings(a.City, b.City)
		case "created_at":
			return cmpTimes(a.CreatedAt, b.CreatedAt)
		}
		return 0
	}, func(i, j int) bool { return cmpStrings(schools[i].Name, schools[j].Name) < 0 }))
	return schools, nil
}

func matchSchool(sch school.School, f *school.QueryFilter) bool {
	if f.Search != "" && !(containsFold(sch.Name, f.Search) || containsFold(sch.City, f.Search)) {
		return false
	}
	if f.SubscriptionStatus != "" && sch.Subscription.Status != f.SubscriptionStatus {
		return false
	}
	if !f.ExpiresAfter.IsZero() || !f.ExpiresBefore.IsZero() {
		exp := sch.Subscription.ExpiresAt
		if exp.IsZero() {
			return false
		}
		if !f.ExpiresAfter.IsZero() && exp.Before(f.ExpiresAfter) {
			return false
		}
		if !f.ExpiresBefore.IsZero() && !exp.Before(f.ExpiresBefore) {
			return false
		}
	}
	return true
}

func (repo *schoolRepository) UpdateSchool(_ context.Context, sch school.School, _ ...core.DBExecutor) (school.School, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.schools[sch.ID]; !ok {
		return school.School{}, school.ErrNotFound
	}
	repo.db.schools[sch.ID] = &sch
	return sch, nil
}

func (repo *schoolRepository) DeleteSchool(_ context.Context, id string, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.schools[id]; !ok {
		return school.ErrNotFound
	}
	delete(repo.db.schools, id)
	for _, cls := range repo.db.classes {
		if cls.SchoolID == id {
			cls.SchoolID = ""
		}
	}
	return nil
}

// Classes

func (repo *schoolRepository) codeTaken(code, excludedID string) bool {
	for _, cls := range repo.db.classes {
		if cls.AccessCode == code && cls.ID != excludedID {
			return true
		}
	}
	return false
}

func (repo *schoolRepository) CreateClass(_ context.Context, cls school.Class, _ ...core.DBExecutor) (school.Class, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if repo.codeTaken(cls.AccessCode, "") {
		return school.Class{}, school.ErrCodeTaken
	}
	cls.ID = uuid.NewString()
	repo.db.classes[cls.ID] = &cls
	return cls, nil
}

func (repo *schoolRepository) GetClass(_ context.Context, id string, _ ...core.DBExecutor) (school.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if cls, ok := repo.db.classes[id]; ok {
		return *cls, nil
	}
	return school.Class{}, school.ErrClassNotFound
}

func (repo *schoolRepository) GetClassByCode(_ context.Context, code string, _ ...core.DBExecutor) (school.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, cls := range repo.db.classes {
		if cls.AccessCode == code {
			return *cls, nil
		}
	}
	return school.Class{}, school.ErrClassNotFound
}

func (repo *schoolRepository) QueryClasses(_ context.Context, filter school.ClassFilter, _ ...core.DBExecutor) ([]school.Class, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	classes := make([]school.Class, 0)
	for _, cls := range repo.db.classes {
		if filter.TeacherID != "" && cls.TeacherID != filter.TeacherID {
			continue
		}
		if filter.SchoolID != "" && cls.SchoolID != filter.SchoolID {
			continue
		}
		if filter.StudentID != "" {
			if _, ok := repo.db.students[cls.ID][filter.StudentID]; !ok {
				continue
			}
		}
		classes = append(classes, *cls)
	}
	sort.SliceStable(classes, func(i, j int) bool { return cmpStrings(classes[i].Name, classes[j].Name) < 0 })
	return classes, nil
}

func (repo *schoolRepository) UpdateClass(_ context.Context, cls school.Class, _ ...core.DBExecutor) (school.Class, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.classes[cls.ID]; !ok {
		return school.Class{}, school.ErrClassNotFound
	}
	if repo.codeTaken(cls.AccessCode, cls.ID) {
		return school.Class{}, school.ErrCodeTaken
	}
	repo.db.classes[cls.ID] = &cls
	return cls, nil
}

func (repo *schoolRepository) DeleteClass(_ context.Context, id string, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.classes[id]; !ok {
		return school.ErrClassNotFound
	}
	delete(repo.db.classes, id)
	delete(repo.db.students, id)
	return nil
}

// Enrollment

func (repo *schoolRepository) AddStudent(_ context.Context, enr school.Enrollment, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.classes[enr.ClassID]; !ok {
		return school.ErrClassNotFound
	}
	if repo.db.students[enr.ClassID] == nil {
		repo.db.students[enr.ClassID] = make(map[string]school.Enrollment)
	}
	repo.db.students[enr.ClassID][enr.StudentID] = enr
	return nil
}

func (repo *schoolRepository) RemoveStudent(_ context.Context, classID, studentID string, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	delete(repo.db.students[classID], studentID)
	return nil
}

func (repo *schoolRepository) IsEnrolled(_ context.Context, classID, studentID string, _ ...core.DBExecutor) (bool, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	_, ok := repo.db.students[classID][studentID]
	return ok, nil
}

func (repo *schoolRepository) ClassStudentIDs(_ context.Context, classID string, _ ...core.DBExecutor) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	enrollments := make([]school.Enrollment, 0, len(repo.db.students[classID]))
	for _, enr := range repo.db.students[classID] {
		enrollments = append(enrollments, enr)
	}
	sort.Slice(enrollments, func(i, j int) bool { return enrollments[i].JoinedAt.Before(enrollments[j].JoinedAt) })

	ids := make([]string, 0, len(enrollments))
	for _, enr := range enrollments {
		ids = append(ids, enr.StudentID)
	}
	return ids, nil
}
