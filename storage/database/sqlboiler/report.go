// Package boiledrepos holds the aggregation queries built with sqlboiler's query mods.
package boiledrepos

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/sqlboiler/v4/drivers"
	"github.com/volatiletech/sqlboiler/v4/queries"
	"github.com/volatiletech/sqlboiler/v4/queries/qm"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/report"
)

// passScore is the best score from which a student is considered to have passed an exercise.
const passScore = 50

var dialect = drivers.Dialect{
	LQ:                   '"',
	RQ:                   '"',
	UseIndexPlaceholders: true,
}

const exerciseStatsQuery = `SELECT
	count(*) AS attempts,
	count(DISTINCT student_id) AS students,
	COALESCE(avg(score), 0)::float8 AS average_score,
	COALESCE(max(score), 0) AS best_score,
	COALESCE(min(score), 0) AS worst_score,
	(SELECT count(*) FROM (
		SELECT max(score) AS best FROM exercise_attempts WHERE exercise_id = $1 GROUP BY student_id
	) b WHERE b.best >= $2) AS passed
FROM exercise_attempts WHERE exercise_id = $1`

type (
	statsRow struct {
		Attempts     int     `boil:"attempts"`
		Students     int     `boil:"students"`
		AverageScore float64 `boil:"average_score"`
		BestScore    int     `boil:"best_score"`
		WorstScore   int     `boil:"worst_score"`
		Passed       int     `boil:"passed"`
	}

	cellRow struct {
		ExerciseID string `boil:"exercise_id"`
		StudentID  string `boil:"student_id"`
		BestScore  int    `boil:"best_score"`
		Attempts   int    `boil:"attempts"`
	}
)

type reportRepository struct {
	exec core.DBExecutor
}

var _ report.Repository = (*reportRepository)(nil) // interface compliance check

func NewReportRepository(exec core.DBExecutor) *reportRepository {
	return &reportRepository{exec: exec}
}

func (repo reportRepository) getExec(svcExec []core.DBExecutor) core.DBExecutor {
	if len(svcExec) > 0 {
		return svcExec[0]
	}
	return repo.exec
}

func newQuery(mods ...qm.QueryMod) *queries.Query {
	q := &queries.Query{}
	queries.SetDialect(q, &dialect)
	qm.Apply(q, mods...)
	return q
}

func (repo reportRepository) ExerciseStats(ctx context.Context, exerciseID string, exec ...core.DBExecutor) (report.ExerciseStats, error) {
	stats := report.ExerciseStats{ExerciseID: exerciseID}
	if _, err := uuid.Parse(exerciseID); err != nil {
		return stats, nil
	}

	var row statsRow
	if err := queries.Raw(exerciseStatsQuery, exerciseID, passScore).Bind(ctx, repo.getExec(exec), &row); err != nil {
		return stats, errors.Wrap(err, "computing exercise stats")
	}
	if row.Attempts == 0 {
		return stats, nil
	}

	stats.Attempts = row.Attempts
	stats.Students = row.Students
	stats.AverageScore = round1(row.AverageScore)
	stats.BestScore = row.BestScore
	stats.WorstScore = row.WorstScore
	if row.Students > 0 {
		stats.PassRate = round1(float64(row.Passed) * 100 / float64(row.Students))
	}
	return stats, nil
}

func (repo reportRepository) BestScores(ctx context.Context, exerciseIDs, studentIDs []string, exec ...core.DBExecutor) ([]report.ScoreCell, error) {
	cells := make([]report.ScoreCell, 0)
	if len(exerciseIDs) == 0 || len(studentIDs) == 0 {
		return cells, nil
	}

	var rows []cellRow
	err := newQuery(
		qm.Select("exercise_id", "student_id", "max(score) AS best_score", "count(*) AS attempts"),
		qm.From("exercise_attempts"),
		qm.WhereIn("exercise_id IN ?", toArgs(exerciseIDs)...),
		qm.WhereIn("student_id IN ?", toArgs(studentIDs)...),
		qm.GroupBy("exercise_id, student_id"),
	).Bind(ctx, repo.getExec(exec), &rows)
	if err != nil {
		return nil, errors.Wrap(err, "querying best scores")
	}

	for _, row := range rows {
		cells = append(cells, report.ScoreCell{
			ExerciseID: row.ExerciseID,
			StudentID:  row.StudentID,
			BestScore:  row.BestScore,
			Attempts:   row.Attempts,
		})
	}
	return cells, nil
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
