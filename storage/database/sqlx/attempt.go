package sqlxrepos

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
)

const attemptColumns = `id, exercise_id, student_id, score, answers, feedback, completed_at`

type attemptRow struct {
	ID          string      `db:"id"`
	ExerciseID  string      `db:"exercise_id"`
	StudentID   string      `db:"student_id"`
	Score       int         `db:"score"`
	Answers     null.String `db:"answers"`
	Feedback    null.String `db:"feedback"`
	CompletedAt null.Time   `db:"completed_at"`
}

func newAttemptRow(att attempt.Attempt) attemptRow {
	return attemptRow{
		ID:          att.ID,
		ExerciseID:  att.ExerciseID,
		StudentID:   att.StudentID,
		Score:       att.Score,
		Answers:     nullString(string(att.Answers)),
		Feedback:    nullString(string(att.Feedback)),
		CompletedAt: nullTime(att.CompletedAt),
	}
}

func (row attemptRow) attempt() attempt.Attempt {
	att := attempt.Attempt{
		ID:          row.ID,
		ExerciseID:  row.ExerciseID,
		StudentID:   row.StudentID,
		Score:       row.Score,
		CompletedAt: utc(row.CompletedAt),
	}
	if row.Answers.Valid {
		att.Answers = json.RawMessage(row.Answers.String)
	}
	if row.Feedback.Valid {
		att.Feedback = json.RawMessage(row.Feedback.String)
	}
	return att
}

type attemptRepository struct {
	base
}

var _ attempt.Repository = (*attemptRepository)(nil) // interface compliance check

func NewAttemptRepository(db *sqlx.DB) *attemptRepository {
	return &attemptRepository{base{db: db}}
}

func (repo *attemptRepository) save(ctx context.Context, q string, att attempt.Attempt, exec []core.DBExecutor) (attempt.Attempt, error) {
	q, args, err := sqlx.Named(q+" RETURNING "+attemptColumns, newAttemptRow(att))
	if err != nil {
		return attempt.Attempt{}, errors.Wrap(err, "binding attempt")
	}

	var row attemptRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, q), args...); err != nil {
		return attempt.Attempt{}, trapNoRows(err, attempt.ErrNotFound, "saving attempt")
	}
	return row.attempt(), nil
}

func (repo *attemptRepository) CreateAttempt(ctx context.Context, att attempt.Attempt, exec ...core.DBExecutor) (attempt.Attempt, error) {
	att.ID = uuid.NewString()
	return repo.save(ctx, `INSERT INTO exercise_attempts (`+attemptColumns+`) VALUES (
		:id, :exercise_id, :student_id, :score, CAST(:answers AS JSONB), CAST(:feedback AS JSONB),
		COALESCE(:completed_at, now()))`, att, exec)
}

func (repo *attemptRepository) QueryAttempts(ctx context.Context, filter *attempt.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]attempt.Attempt, error) {
	var c conditions
	if filter != nil {
		if filter.ExerciseID != "" {
			c.add("exercise_id = ?", filter.ExerciseID)
		}
		if filter.StudentID != "" {
			c.add("student_id = ?", filter.StudentID)
		}
		if filter.ExerciseIDs != nil {
			c.in("exercise_id", filter.ExerciseIDs)
		}
		if filter.StudentIDs != nil {
			c.in("student_id", filter.StudentIDs)
		}
	}

	ordering = core.FilterOrdering(ordering, "score", "completed_at")
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "completed_at"}}
	}
	q, args, err := c.build("SELECT "+attemptColumns+" FROM exercise_attempts", ordering)
	if err != nil {
		return nil, err
	}

	var rows []attemptRow
	if err = sqlx.SelectContext(ctx, repo.getExec(exec), &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "selecting attempts")
	}
	attempts := make([]attempt.Attempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.attempt())
	}
	return attempts, nil
}

func (repo *attemptRepository) CountAttempts(ctx context.Context, exerciseID, studentID string, exec ...core.DBExecutor) (int, error) {
	if !isUUID(exerciseID) || !isUUID(studentID) {
		return 0, nil
	}
	var n int
	err := sqlx.GetContext(ctx, repo.getExec(exec), &n,
		"SELECT count(*) FROM exercise_attempts WHERE exercise_id = $1 AND student_id = $2", exerciseID, studentID)
	return n, errors.Wrap(err, "counting attempts")
}

func (repo *attemptRepository) LockStudentAttempts(ctx context.Context, exerciseID, studentID string, exec ...core.DBExecutor) error {
	_, err := repo.getExec(exec).ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))", exerciseID, studentID)
	return errors.Wrap(err, "locking attempts")
}

func (repo *attemptRepository) UpdateAttempt(ctx context.Context, att attempt.Attempt, exec ...core.DBExecutor) (attempt.Attempt, error) {
	if !isUUID(att.ID) {
		return attempt.Attempt{}, attempt.ErrNotFound
	}
	return repo.save(ctx, `UPDATE exercise_attempts SET
		score = :score, answers = CAST(:answers AS JSONB), feedback = CAST(:feedback AS JSONB)
		WHERE id = :id`, att, exec)
}

func (repo *attemptRepository) DeleteAttemptsByExercise(ctx context.Context, exerciseID string, exec ...core.DBExecutor) (int, error) {
	if !isUUID(exerciseID) {
		return 0, nil
	}
	res, err := repo.getExec(exec).ExecContext(ctx, "DELETE FROM exercise_attempts WHERE exercise_id = $1", exerciseID)
	if err != nil {
		return 0, errors.Wrap(err, "deleting attempts")
	}
	return rowsAffected(res, "counting deleted attempts")
}
