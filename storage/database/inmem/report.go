package inmemdb

import (
	"context"
	"math"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/report"
)

// passScore is the best score from which a student is considered to have passed an exercise.
const passScore = 50

type reportRepository struct {
	db *attemptTable
}

var _ report.Repository = (*reportRepository)(nil) // interface compliance check

func NewReportRepository(db *DB) *reportRepository {
	return &reportRepository{db: db.attempt}
}

func (repo *reportRepository) ExerciseStats(_ context.Context, exerciseID string, _ ...core.DBExecutor) (report.ExerciseStats, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	stats := report.ExerciseStats{ExerciseID: exerciseID}
	best := make(map[string]int)
	var total int
	for _, att := range repo.db.table {
		if att.ExerciseID != exerciseID {
			continue
		}
		if stats.Attempts == 0 || att.Score > stats.BestScore {
			stats.BestScore = att.Score
		}
		if stats.Attempts == 0 || att.Score < stats.WorstScore {
			stats.WorstScore = att.Score
		}
		stats.Attempts++
		total += att.Score
		if s, ok := best[att.StudentID]; !ok || att.Score > s {
			best[att.StudentID] = att.Score
		}
	}
	if stats.Attempts == 0 {
		return stats, nil
	}

	stats.Students = len(best)
	stats.AverageScore = round1(float64(total) / float64(stats.Attempts))
	var passed int
	for _, s := range best {
		if s >= passScore {
			passed++
		}
	}
	stats.PassRate = round1(float64(passed) * 100 / float64(stats.Students))
	return stats, nil
}

func (repo *reportRepository) BestScores(_ context.Context, exerciseIDs, studentIDs []string, _ ...core.DBExecutor) ([]report.ScoreCell, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	type key struct{ exerciseID, studentID string }
	idx := make(map[key]int)
	cells := make([]report.ScoreCell, 0)
	for _, att := range repo.db.table {
		if !stringIn(att.ExerciseID, exerciseIDs) || !stringIn(att.StudentID, studentIDs) {
			continue
		}
		k := key{att.ExerciseID, att.StudentID}
		i, ok := idx[k]
		if !ok {
			i = len(cells)
			idx[k] = i
			cells = append(cells, report.ScoreCell{ExerciseID: att.ExerciseID, StudentID: att.StudentID, BestScore: att.Score})
		}
		cells[i].Attempts++
		if att.Score > cells[i].BestScore {
			cells[i].BestScore = att.Score
		}
	}
	return cells, nil
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
