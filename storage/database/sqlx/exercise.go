package sqlxrepos

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/exercise"
)

const exerciseColumns = `id, title, description, subject, level, exercise_type, content, image_url,
	max_attempts, teacher_id, class_id, created_at, updated_at`

var exerciseSortable = []string{"title", "subject", "level", "exercise_type", "created_at", "updated_at"}

type exerciseRow struct {
	ID          string      `db:"id"`
	Title       string      `db:"title"`
	Description null.String `db:"description"`
	Subject     null.String `db:"subject"`
	Level       null.String `db:"level"`
	Type        string      `db:"exercise_type"`
	Content     string      `db:"content"` // JSONB as text; []byte would be sent as bytea
	ImageURL    null.String `db:"image_url"`
	MaxAttempts int         `db:"max_attempts"`
	TeacherID   string      `db:"teacher_id"`
	ClassID     null.String `db:"class_id"`
	CreatedAt   null.Time   `db:"created_at"`
	UpdatedAt   null.Time   `db:"updated_at"`
}

func newExerciseRow(ex exercise.Exercise) exerciseRow {
	content := string(ex.Content)
	if content == "" {
		content = "{}"
	}
	return exerciseRow{
		ID:          ex.ID,
		Title:       ex.Title,
		Description: nullString(ex.Description),
		Subject:     nullString(ex.Subject),
		Level:       nullString(ex.Level),
		Type:        string(ex.Type),
		Content:     content,
		ImageURL:    nullString(ex.ImageURL),
		MaxAttempts: ex.MaxAttempts,
		TeacherID:   ex.TeacherID,
		ClassID:     nullString(ex.ClassID),
		CreatedAt:   nullTime(ex.CreatedAt),
		UpdatedAt:   nullTime(ex.UpdatedAt),
	}
}

func (row exerciseRow) exercise() exercise.Exercise {
	return exercise.Exercise{
		ID:          row.ID,
		Title:       row.Title,
		Description: row.Description.String,
		Subject:     row.Subject.String,
		Level:       row.Level.String,
		Type:        exercise.Type(row.Type),
		Content:     json.RawMessage(row.Content),
		ImageURL:    row.ImageURL.String,
		MaxAttempts: row.MaxAttempts,
		TeacherID:   row.TeacherID,
		ClassID:     row.ClassID.String,
		CreatedAt:   utc(row.CreatedAt),
		UpdatedAt:   utc(row.UpdatedAt),
	}
}

type exerciseRepository struct {
	base
}

var _ exercise.Repository = (*exerciseRepository)(nil) // interface compliance check

func NewExerciseRepository(db *sqlx.DB) *exerciseRepository {
	return &exerciseRepository{base{db: db}}
}

func (repo *exerciseRepository) save(ctx context.Context, q string, ex exercise.Exercise, exec []core.DBExecutor) (exercise.Exercise, error) {
	q, args, err := sqlx.Named(q+" RETURNING "+exerciseColumns, newExerciseRow(ex))
	if err != nil {
		return exercise.Exercise{}, errors.Wrap(err, "binding exercise")
	}

	var row exerciseRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		return exercise.Exercise{}, trapNoRows(err, exercise.ErrNotFound, "saving exercise")
	}
	return row.exercise(), nil
}

func (repo *exerciseRepository) CreateExercise(ctx context.Context, ex exercise.Exercise, exec ...core.DBExecutor) (exercise.Exercise, error) {
	ex.ID = uuid.NewString()
	return repo.save(ctx, `INSERT INTO exercises (`+exerciseColumns+`) VALUES (
		:id, :title, :description, :subject, :level, :exercise_type, CAST(:content AS JSONB), :image_url,
		:max_attempts, :teacher_id, :class_id, COALESCE(:created_at, now()), COALESCE(:updated_at, now()))`, ex, exec)
}

func (repo *exerciseRepository) GetExercise(ctx context.Context, id string, exec ...core.DBExecutor) (exercise.Exercise, error) {
	if !isUUID(id) {
		return exercise.Exercise{}, exercise.ErrNotFound
	}
	var row exerciseRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, "SELECT "+exerciseColumns+" FROM exercises WHERE id = $1", id)
	if err != nil {
		return exercise.Exercise{}, trapNoRows(err, exercise.ErrNotFound, "selecting exercise")
	}
	return row.exercise(), nil
}

func (repo *exerciseRepository) QueryExercises(ctx context.Context, filter *exercise.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]exercise.Exercise, error) {
	var c conditions
	if filter != nil {
		if filter.Search != "" {
			val := "%" + filter.Search + "%"
			c.add("(title ILIKE ? OR description ILIKE ?)", val, val)
		}
		if filter.Type != "" {
			c.add("exercise_type = ?", string(filter.Type))
		}
		if filter.Subject != "" {
			c.add("subject ILIKE ?", "%"+filter.Subject+"%")
		}
		if filter.Level != "" {
			c.add("level ILIKE ?", "%"+filter.Level+"%")
		}
		if filter.TeacherID != "" {
			c.add("teacher_id = ?", filter.TeacherID)
		}
		if filter.ClassID != "" {
			c.add("class_id = ?", filter.ClassID)
		}
		if filter.ClassIDs != nil {
			c.in("class_id", filter.ClassIDs)
		}
	}

	ordering = core.FilterOrdering(ordering, exerciseSortable...)
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}}
	}
	q, args, err := c.build("SELECT "+exerciseColumns+" FROM exercises", ordering)
	if err != nil {
		return nil, err
	}

	var rows []exerciseRow
	if err = sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting exercises")
	}
	exercises := make([]exercise.Exercise, 0, len(rows))
	for _, row := range rows {
		exercises = append(exercises, row.exercise())
	}
	return exercises, nil
}

func (repo *exerciseRepository) UpdateExercise(ctx context.Context, ex exercise.Exercise, exec ...core.DBExecutor) (exercise.Exercise, error) {
	if !isUUID(ex.ID) {
		return exercise.Exercise{}, exercise.ErrNotFound
	}
	return repo.save(ctx, `UPDATE exercises SET
		title = :title, description = :description, subject = :subject, level = :level,
		content = CAST(:content AS JSONB), image_url = :image_url, max_attempts = :max_attempts,
		class_id = :class_id, updated_at = COALESCE(:updated_at, now())
		WHERE id = :id`, ex, exec)
}

func (repo *exerciseRepository) DeleteExercise(ctx context.Context, id string, exec ...core.DBExecutor) error {
	if !isUUID(id) {
		return exercise.ErrNotFound
	}
	res, err := repo.getExec(exec).ExecContext(ctx, "DELETE FROM exercises WHERE id = $1", id)
	if err != nil {
		return errors.Wrap(err, "deleting exercise")
	}
	n, err := rowsAffected(res, "counting deleted exercises")
	if err != nil {
		return err
	}
	if n == 0 {
		return exercise.ErrNotFound
	}
	return nil
}
