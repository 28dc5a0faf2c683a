package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
)

type attemptRepository struct {
	db *attemptTable
}

var _ attempt.Repository = (*attemptRepository)(nil) // interface compliance check

func NewAttemptRepository(db *DB) *attemptRepository {
	return &attemptRepository{db: db.attempt}
}

func (repo *attemptRepository) CreateAttempt(_ context.Context, att attempt.Attempt, _ ...core.DBExecutor) (attempt.Attempt, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	att.ID = uuid.NewString()
	repo.db.table[att.ID] = &att
	return att, nil
}

func (repo *attemptRepository) query(filter *attempt.QueryFilter) []attempt.Attempt {
	attempts := make([]attempt.Attempt, 0)
	for _, att := range repo.db.table {
		if filter != nil {
			if filter.ExerciseID != "" && att.ExerciseID != filter.ExerciseID {
				continue
			}
			if filter.StudentID != "" && att.StudentID != filter.StudentID {
				continue
			}
			if filter.ExerciseIDs != nil && !stringIn(att.ExerciseID, filter.ExerciseIDs) {
				continue
			}
			if filter.StudentIDs != nil && !stringIn(att.StudentID, filter.StudentIDs) {
				continue
			}
		}
		attempts = append(attempts, *att)
	}
	return attempts
}

func (repo *attemptRepository) QueryAttempts(_ context.Context, filter *attempt.QueryFilter, ordering []core.DBOrdering, _ ...core.DBExecutor) ([]attempt.Attempt, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	attempts := repo.query(filter)
	sort.SliceStable(attempts, orderedLess(ordering, func(field string, i, j int) int {
		switch field {
		case "score":
			return cmpInts(attempts[i].Score, attempts[j].Score)
		case "completed_at":
			return cmpTimes(attempts[i].CompletedAt, attempts[j].CompletedAt)
		}
		return 0
	}, func(i, j int) bool { return attempts[i].CompletedAt.After(attempts[j].CompletedAt) }))
	return attempts, nil
}

func (repo *attemptRepository) CountAttempts(_ context.Context, exerciseID, studentID string, _ ...core.DBExecutor) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return len(repo.query(&attempt.QueryFilter{ExerciseID: exerciseID, StudentID: studentID})), nil
}

// LockStudentAttempts relies on WithTx serializing transactions.
func (repo *attemptRepository) LockStudentAttempts(_ context.Context, _, _ string, _ ...core.DBExecutor) error {
	return nil
}

func (repo *attemptRepository) UpdateAttempt(_ context.Context, att attempt.Attempt, _ ...core.DBExecutor) (attempt.Attempt, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[att.ID]; !ok {
		return attempt.Attempt{}, attempt.ErrNotFound
	}
	repo.db.table[att.ID] = &att
	return att, nil
}

func (repo *attemptRepository) DeleteAttemptsByExercise(_ context.Context, exerciseID string, _ ...core.DBExecutor) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var n int
	for id, att := range repo.db.table {
		if att.ExerciseID == exerciseID {
			delete(repo.db.table, id)
			n++
		}
	}
	return n, nil
}
