package attempt

import (
	"context"
	"encoding/json"
	"time"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/scoring"
)

// Attempt is a stored submission of a student.
type Attempt struct {
	ID          string          `json:"id"`
	ExerciseID  string          `json:"exercise_id"`
	StudentID   string          `json:"student_id"`
	Score       int             `json:"score"`        // 0-100
	Answers     json.RawMessage `json:"answers"`      // scoring.Answers
	Feedback    json.RawMessage `json:"feedback"`     // []scoring.ItemFeedback
	CompletedAt time.Time       `json:"completed_at"` // UTC
}

// Submission is the body of an exercise submission.
type Submission struct {
	Answers scoring.Answers `json:"answers"`
}

// Outcome is the result of a submission.
type Outcome struct {
	Attempt *Attempt       `json:"attempt,omitempty"` // nil when the submission was not stored
	Result  scoring.Result `json:"result"`
	// AttemptsLeft is -1 when attempts are unlimited.
	AttemptsLeft int `json:"attempts_left"`
}

// BestScore summarizes the attempts of a student at an exercise.
type BestScore struct {
	ExerciseID  string    `json:"exercise_id"`
	StudentID   string    `json:"student_id"`
	BestScore   int       `json:"best_score"`
	LastScore   int       `json:"last_score"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"` // UTC
}

type QueryFilter struct {
	ExerciseID  string   `query:"exercise_id"`
	StudentID   string   `query:"student_id"`
	ExerciseIDs []string `query:"-"`
	StudentIDs  []string `query:"-"`
}

type Repository interface {
	CreateAttempt(ctx context.Context, att Attempt, exec ...core.DBExecutor) (Attempt, error)
	// QueryAttempts applies AND operation on available QueryFilter fields.
	QueryAttempts(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Attempt, error)
	CountAttempts(ctx context.Context, exerciseID, studentID string, exec ...core.DBExecutor) (int, error)
	// LockStudentAttempts blocks the other submissions of a student to an exercise until the
	// surrounding transaction ends.
	LockStudentAttempts(ctx context.Context, exerciseID, studentID string, exec ...core.DBExecutor) error
	UpdateAttempt(ctx context.Context, att Attempt, exec ...core.DBExecutor) (Attempt, error)
	DeleteAttemptsByExercise(ctx context.Context, exerciseID string, exec ...core.DBExecutor) (int, error)
}
