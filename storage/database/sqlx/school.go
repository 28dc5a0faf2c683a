package sqlxrepos

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/school"
)

const (
	schoolColumns = `id, name, city, subscription_status, subscription_type, subscription_expires_at, created_at, updated_at`
	classColumns  = `id, name, level, teacher_id, school_id, access_code, created_at`

	schoolNameKey       = "schools_name_key"
	classAccessCodeKey  = "classes_access_code_key"
	classStudentsPkey   = "class_students_pkey"
	foreignKeyViolation = "23503"
)

var schoolSortable = []string{"name", "city", "created_at"}

type schoolRow struct {
	ID        string      `db:"id"`
	Name      string      `db:"name"`
	City      null.String `db:"city"`
	CreatedAt null.Time   `db:"created_at"`
	UpdatedAt null.Time   `db:"updated_at"`
	subscriptionColumns
}

func newSchoolRow(sch school.School) schoolRow {
	return schoolRow{
		ID:                  sch.ID,
		Name:                sch.Name,
		City:                nullString(sch.City),
		CreatedAt:           nullTime(sch.CreatedAt),
		UpdatedAt:           nullTime(sch.UpdatedAt),
		subscriptionColumns: newSubscriptionColumns(sch.Subscription),
	}
}

func (row schoolRow) school() school.School {
	return school.School{
		ID:           row.ID,
		Name:         row.Name,
		City:         row.City.String,
		Subscription: row.subscription(),
		CreatedAt:    utc(row.CreatedAt),
		UpdatedAt:    utc(row.UpdatedAt),
	}
}

type classRow struct {
	ID         string      `db:"id"`
	Name       string      `db:"name"`
	Level      null.String `db:"level"`
	TeacherID  string      `db:"teacher_id"`
	SchoolID   null.String `db:"school_id"`
	AccessCode string      `db:"access_code"`
	CreatedAt  null.Time   `db:"created_at"`
}

func newClassRow(cls school.Class) classRow {
	return classRow{
		ID:         cls.ID,
		Name:       cls.Name,
		Level:      nullString(cls.Level),
		TeacherID:  cls.TeacherID,
		SchoolID:   nullString(cls.SchoolID),
		AccessCode: cls.AccessCode,
		CreatedAt:  nullTime(cls.CreatedAt),
	}
}

func (row classRow) class() school.Class {
	return school.Class{
		ID:         row.ID,
		Name:       row.Name,
		Level:      row.Level.String,
		TeacherID:  row.TeacherID,
		SchoolID:   row.SchoolID.String,
		AccessCode: strings.TrimSpace(row.AccessCode),
		CreatedAt:  utc(row.CreatedAt),
	}
}

type schoolRepository struct {
	base
}

var _ school.Repository = (*schoolRepository)(nil) // interface compliance check

func NewSchoolRepository(db *sqlx.DB) *schoolRepository {
	return &schoolRepository{base{db: db}}
}

func trapNoRows(err error, notFound error, msg string) error {
	if errors.Cause(err) == sql.ErrNoRows {
		return notFound
	}
	return errors.Wrap(err, msg)
}

// Schools

func (repo *schoolRepository) saveSchool(ctx context.Context, q string, sch school.School, exec []core.DBExecutor) (school.School, error) {
	q, args, err := sqlx.Named(q+" RETURNING "+schoolColumns, newSchoolRow(sch))
	if err != nil {
		return school.School{}, errors.Wrap(err, "binding school")
	}

	var row schoolRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		if isUniqueViolation(err, schoolNameKey) {
			return school.School{}, school.ErrSchoolExists
		}
		return school.School{}, trapNoRows(err, school.ErrNotFound, "saving school")
	}
	return row.school(), nil
}

func (repo *schoolRepository) CreateSchool(ctx context.Context, sch school.School, exec ...core.DBExecutor) (school.School, error) {
	sch.ID = uuid.NewString()
	return repo.saveSchool(ctx, `INSERT INTO schools (`+schoolColumns+`) VALUES (
		:id, :name, :city, :subscription_status, :subscription_type, :subscription_expires_at,
		COALESCE(:created_at, now()), COALESCE(:updated_at, now()))`, sch, exec)
}

func (repo *schoolRepository) getSchool(ctx context.Context, c conditions, exec []core.DBExecutor) (school.School, error) {
	q, args, err := c.build("SELECT "+schoolColumns+" FROM schools", nil)
	if err != nil {
		return school.School{}, err
	}
	var row schoolRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, q+" LIMIT 1", args...); err != nil {
		return school.School{}, trapNoRows(err, school.ErrNotFound, "selecting school")
	}
	return row.school(), nil
}

func (repo *schoolRepository) GetSchool(ctx context.Context, id string, exec ...core.DBExecutor) (school.School, error) {
	if !isUUID(id) {
		return school.School{}, school.ErrNotFound
	}
	var c conditions
	c.add("id = ?", id)
	return repo.getSchool(ctx, c, exec)
}

func (repo *schoolRepository) GetSchoolByName(ctx context.Context, name string, exec ...core.DBExecutor) (school.School, error) {
	var c conditions
	c.add("lower(name) = lower(?)", name)
	return repo.getSchool(ctx, c, exec)
}

func (repo *schoolRepository) QuerySchools(ctx context.Context, filter *school.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]school.School, error) {
	var c conditions
	if filter != nil {
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			c.add("(name ILIKE ? OR city ILIKE ?)", val, val)
		}
		expiryConditions(&c, filter.SubscriptionStatus, filter.ExpiresAfter, filter.ExpiresBefore)
	}

	ordering = core.FilterOrdering(ordering, schoolSortable...)
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "name", Ascending: true}}
	}
	q, args, err := c.build("SELECT "+schoolColumns+" FROM schools", ordering)
	if err != nil {
		return nil, err
	}

	var rows []schoolRow
	if err = sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting schools")
	}
	schools := make([]school.School, 0, len(rows))
	for _, row := range rows {
		schools = append(schools, row.school())
	}
	return schools, nil
}

func (repo *schoolRepository) UpdateSchool(ctx context.Context, sch school.School, exec ...core.DBExecutor) (school.School, error) {
	if !isUUID(sch.ID) {
		return school.School{}, school.ErrNotFound
	}
	return repo.saveSchool(ctx, `UPDATE schools SET
		name = :name, city = :city,
		subscription_status = :subscription_status, subscription_type = :subscription_type,
		subscription_expires_at = :subscription_expires_at, updated_at = COALESCE(:updated_at, now())
		WHERE id = :id`, sch, exec)
}

func (repo *schoolRepository) DeleteSchool(ctx context.Context, id string, exec ...core.DBExecutor) error {
	if !isUUID(id) {
		return school.ErrNotFound
	}
	res, err := repo.getExec(exec).ExecContext(ctx, "DELETE FROM schools WHERE id = $1", id)
	if err != nil {
		return errors.Wrap(err, "deleting school")
	}
	n, err := rowsAffected(res, "counting deleted schools")
	if err != nil {
		return err
	}
	if n == 0 {
		return school.ErrNotFound
	}
	return nil
}

// Classes

func (repo *schoolRepository) saveClass(ctx context.Context, q string, cls school.Class, exec []core.DBExecutor) (school.Class, error) {
	q, args, err := sqlx.Named(q+" RETURNING "+classColumns, newClassRow(cls))
	if err != nil {
		return school.Class{}, errors.Wrap(err, "binding class")
	}

	var row classRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		if isUniqueViolation(err, classAccessCodeKey) {
			return school.Class{}, school.ErrCodeTaken
		}
		return school.Class{}, trapNoRows(err, school.ErrClassNotFound, "saving class")
	}
	return row.class(), nil
}

func (repo *schoolRepository) CreateClass(ctx context.Context, cls school.Class, exec ...core.DBExecutor) (school.Class, error) {
	cls.ID = uuid.NewString()
	return repo.saveClass(ctx, `INSERT INTO classes (`+classColumns+`) VALUES (
		:id, :name, :level, :teacher_id, :school_id, :access_code, COALESCE(:created_at, now()))`, cls, exec)
}

func (repo *schoolRepository) getClass(ctx context.Context, c conditions, exec []core.DBExecutor) (school.Class, error) {
	q, args, err := c.build("SELECT "+classColumns+" FROM classes", nil)
	if err != nil {
		return school.Class{}, err
	}
	var row classRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, q+" LIMIT 1", args...); err != nil {
		return school.Class{}, trapNoRows(err, school.ErrClassNotFound, "selecting class")
	}
	return row.class(), nil
}

func (repo *schoolRepository) GetClass(ctx context.Context, id string, exec ...core.DBExecutor) (school.Class, error) {
	if !isUUID(id) {
		return school.Class{}, school.ErrClassNotFound
	}
	var c conditions
	c.add("id = ?", id)
	return repo.getClass(ctx, c, exec)
}

func (repo *schoolRepository) GetClassByCode(ctx context.Context, code string, exec ...core.DBExecutor) (school.Class, error) {
	var c conditions
	c.add("access_code = ?", code)
	return repo.getClass(ctx, c, exec)
}

func (repo *schoolRepository) QueryClasses(ctx context.Context, filter school.ClassFilter, exec ...core.DBExecutor) ([]school.Class, error) {
	var c conditions
	if filter.TeacherID != "" {
		c.add("teacher_id = ?", filter.TeacherID)
	}
	if filter.SchoolID != "" {
		c.add("school_id = ?", filter.SchoolID)
	}
	if filter.StudentID != "" {
		c.add("id IN (SELECT class_id FROM class_students WHERE student_id = ?)", filter.StudentID)
	}
	q, args, err := c.build("SELECT "+classColumns+" FROM classes", []core.DBOrdering{{Field: "name", Ascending: true}})
	if err != nil {
		return nil, err
	}

	var rows []classRow
	if err = sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting classes")
	}
	classes := make([]school.Class, 0, len(rows))
	for _, row := range rows {
		classes = append(classes, row.class())
	}
	return classes, nil
}

func (repo *schoolRepository) UpdateClass(ctx context.Context, cls school.Class, exec ...core.DBExecutor) (school.Class, error) {
	if !isUUID(cls.ID) {
		return school.Class{}, school.ErrClassNotFound
	}
	return repo.saveClass(ctx, `UPDATE classes SET
		name = :name, level = :level, teacher_id = :teacher_id, school_id = :school_id, access_code = :access_code
		WHERE id = :id`, cls, exec)
}

func (repo *schoolRepository) DeleteClass(ctx context.Context, id string, exec ...core.DBExecutor) error {
	if !isUUID(id) {
		return school.ErrClassNotFound
	}
	res, err := repo.getExec(exec).ExecContext(ctx, "DELETE FROM classes WHERE id = $1", id)
	if err != nil {
		return errors.Wrap(err, "deleting class")
	}
	n, err := rowsAffected(res, "counting deleted classes")
	if err != nil {
		return err
	}
	if n == 0 {
		return school.ErrClassNotFound
	}
	return nil
}

// Enrollment

func (repo *schoolRepository) AddStudent(ctx context.Context, enr school.Enrollment, exec ...core.DBExecutor) error {
	if !isUUID(enr.ClassID) {
		return school.ErrClassNotFound
	}
	_, err := repo.getExec(exec).ExecContext(ctx, `INSERT INTO class_students (class_id, student_id, joined_at)
		VALUES ($1, $2, COALESCE($3, now()))
		ON CONFLICT ON CONSTRAINT `+classStudentsPkey+` DO NOTHING`,
		enr.ClassID, enr.StudentID, nullTime(enr.JoinedAt))
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok && pqErr.Code == foreignKeyViolation {
		return school.ErrClassNotFound
	}
	return errors.Wrap(err, "enrolling student")
}

func (repo *schoolRepository) RemoveStudent(ctx context.Context, classID, studentID string, exec ...core.DBExecutor) error {
	if !isUUID(classID) || !isUUID(studentID) {
		return nil
	}
	_, err := repo.getExec(exec).ExecContext(ctx, "DELETE FROM class_students WHERE class_id = $1 AND student_id = $2", classID, studentID)
	return errors.Wrap(err, "removing student")
}

func (repo *schoolRepository) IsEnrolled(ctx context.Context, classID, studentID string, exec ...core.DBExecutor) (bool, error) {
	if !isUUID(classID) || !isUUID(studentID) {
		return false, nil
	}
	var enrolled bool
	err := sqlx.GetContext(ctx, repo.getExec(exec), &enrolled,
		"SELECT EXISTS (SELECT 1 FROM class_students WHERE class_id = $1 AND student_id = $2)", classID, studentID)
	return enrolled, errors.Wrap(err, "checking enrollment")
}

func (repo *schoolRepository) ClassStudentIDs(ctx context.Context, classID string, exec ...core.DBExecutor) ([]string, error) {
	ids := make([]string, 0)
	if !isUUID(classID) {
		return ids, nil
	}
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &ids,
		"SELECT student_id FROM class_students WHERE class_id = $1 ORDER BY joined_at", classID)
	return ids, errors.Wrap(err, "selecting class students")
}
