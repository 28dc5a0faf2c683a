package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/exercise"
)

type exerciseRepository struct {
	db *exerciseTable
}

var _ exercise.Repository = (*exerciseRepository)(nil) // interface compliance check

func NewExerciseRepository(db *DB) *exerciseRepository {
	return &exerciseRepository{db: db.exercise}
}

func (repo *exerciseRepository) CreateExercise(_ context.Context, ex exercise.Exercise, _ ...core.DBExecutor) (exercise.Exercise, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	ex.ID = uuid.NewString()
	repo.db.table[ex.ID] = &ex
	return ex, nil
}

func (repo *exerciseRepository) GetExercise(_ context.Context, id string, _ ...core.DBExecutor) (exercise.Exercise, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if ex, ok := repo.db.table[id]; ok {
		return *ex, nil
	}
	return exercise.Exercise{}, exercise.ErrNotFound
}

func (repo *exerciseRepository) QueryExercises(_ context.Context, filter *exercise.QueryFilter, ordering []core.DBOrdering, _ ...core.DBExecutor) ([]exercise.Exercise, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	exercises := make([]exercise.Exercise, 0, len(repo.db.table))
	for _, ex := range repo.db.table {
		if filter == nil || matchExercise(*ex, filter) {
			exercises = append(exercises, *ex)
		}
	}

	sort.SliceStable(exercises, orderedLess(ordering, func(field string, i, j int) int {
		a, b := exercises[i], exercises[j]
		switch field {
		case "title":
			return cmpStrings(a.Title, b.Title)
		case "subject":
			return cmpStrings(a.Subject, b.Subject)
		case "level":
			return cmpStrings(a.Level, b.Level)
		case "exercise_type":
			return cmpStrings(string(a.Type), string(b.Type))
		case "created_at":
			return cmpTimes(a.CreatedAt, b.CreatedAt)
		case "updated_at":
			return cmpTimes(a.UpdatedAt, b.UpdatedAt)
		}
		return 0
	}, func(i, j int) bool { return exercises[i].CreatedAt.After(exercises[j].CreatedAt) }))
	return exercises, nil
}

func matchExercise(ex exercise.Exercise, f *exercise.QueryFilter) bool {
	if f.Search != "" && !(containsFold(ex.Title, f.Search) || containsFold(ex.Description, f.Search)) {
		return false
	}
	if f.Type != "" && ex.Type != f.Type {
		return false
	}
	if f.Subject != "" && !containsFold(ex.Subject, f.Subject) {
		return false
	}
	if f.Level != "" && !containsFold(ex.Level, f.Level) {
		return false
	}
	if f.TeacherID != "" && ex.TeacherID != f.TeacherID {
		return false
	}
	if f.ClassID != "" && ex.ClassID != f.ClassID {
		return false
	}
	if f.ClassIDs != nil && !stringIn(ex.ClassID, f.ClassIDs) {
		return false
	}
	return true
}

func (repo *exerciseRepository) UpdateExercise(_ context.Context, ex exercise.Exercise, _ ...core.DBExecutor) (exercise.Exercise, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[ex.ID]; !ok {
		return exercise.Exercise{}, exercise.ErrNotFound
	}
	repo.db.table[ex.ID] = &ex
	return ex, nil
}

func (repo *exerciseRepository) DeleteExercise(_ context.Context, id string, _ ...core.DBExecutor) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.table[id]; !ok {
		return exercise.ErrNotFound
	}
	delete(repo.db.table, id)
	return nil
}
