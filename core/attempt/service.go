package attempt

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/scoring"
	"github.com/classesnumeriques/platform/core/user"
)

var (
	ErrNotFound    = errors.New("attempt not found")
	ErrMaxAttempts = errors.New("maximum number of attempts reached")
)

type (
	// AccessChecker tells whether a user may attempt an exercise under the current subscriptions.
	AccessChecker interface {
		CheckExerciseAccess(ctx context.Context, usr user.User, ex exercise.Exercise) error
	}

	ServiceInterface interface {
		// Submit scores the answers of `usr` to `ex`. Only students' attempts are stored;
		// teachers & admins get their score back without it being recorded.
		Submit(ctx context.Context, usr user.User, ex exercise.Exercise, answers scoring.Answers) (Outcome, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Attempt, error)
		// BestScores returns a summary per (exercise, student) of the attempts matching `filter`.
		BestScores(ctx context.Context, filter *QueryFilter) ([]BestScore, error)
		DeleteByExercise(ctx context.Context, exerciseID string) (int, error)
		// Rescore recomputes the stored attempts of an exercise and returns the number of changed attempts.
		Rescore(ctx context.Context, ex exercise.Exercise, dryRun bool) (int, error)
	}

	service struct {
		repo    Repository
		tx      core.Transactor
		exSvc   exercise.ServiceInterface
		access  AccessChecker
		nowFunc func() time.Time
	}
)

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(repo Repository, tx core.Transactor, exSvc exercise.ServiceInterface, access AccessChecker) *service {
	return &service{
		repo:    repo,
		tx:      tx,
		exSvc:   exSvc,
		access:  access,
		nowFunc: time.Now,
	}
}

func (svc *service) now() time.Time {
	return svc.nowFunc().UTC()
}

func (svc *service) Submit(ctx context.Context, usr user.User, ex exercise.Exercise, answers scoring.Answers) (Outcome, error) {
	canView, err := svc.exSvc.CanView(ctx, usr, ex)
	if err != nil {
		return Outcome{}, err
	}
	if !canView {
		return Outcome{}, exercise.ErrForbidden
	}
	if err = svc.access.CheckExerciseAccess(ctx, usr, ex); err != nil {
		return Outcome{}, err
	}

	store := usr.IsStudent() && !usr.IsTeacher() && !usr.IsAdmin()
	outcome := Outcome{AttemptsLeft: -1}

	res, err := scoring.Score(ex, answers)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "scoring")
	}
	outcome.Result = res
	if !store {
		return outcome, nil
	}

	att, err := newAttempt(ex, usr, answers, res, svc.now())
	if err != nil {
		return Outcome{}, err
	}

	var count int
	err = svc.tx.WithTx(ctx, func(tx core.DBExecutor) error {
		var err error
		if ex.MaxAttempts > 0 {
			if err = svc.repo.LockStudentAttempts(ctx, ex.ID, usr.ID, tx); err != nil {
				return err
			}
			if count, err = svc.repo.CountAttempts(ctx, ex.ID, usr.ID, tx); err != nil {
				return errors.Wrap(err, "counting attempts")
			}
			if count >= ex.MaxAttempts {
				return ErrMaxAttempts
			}
		}
		att, err = svc.repo.CreateAttempt(ctx, att, tx)
		return errors.Wrap(err, "creating attempt")
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome.Attempt = &att
	if ex.MaxAttempts > 0 {
		outcome.AttemptsLeft = ex.MaxAttempts - count - 1
	}
	return outcome, nil
}

func newAttempt(ex exercise.Exercise, usr user.User, answers scoring.Answers, res scoring.Result, now time.Time) (Attempt, error) {
	answersData, err := sonic.Marshal(answers)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "encoding answers")
	}
	feedback, err := sonic.Marshal(res.Items)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "encoding feedback")
	}
	return Attempt{
		ExerciseID:  ex.ID,
		StudentID:   usr.ID,
		Score:       res.Score,
		Answers:     answersData,
		Feedback:    feedback,
		CompletedAt: now,
	}, nil
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Attempt, error) {
	ordering = core.FilterOrdering(ordering, "score", "completed_at")
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "completed_at"}}
	}
	return svc.repo.QueryAttempts(ctx, filter, ordering)
}

func (svc *service) BestScores(ctx context.Context, filter *QueryFilter) ([]BestScore, error) {
	attempts, err := svc.repo.QueryAttempts(ctx, filter, []core.DBOrdering{{Field: "completed_at", Ascending: true}})
	if err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}
	return summarize(attempts), nil
}

// summarize expects attempts ordered by completion date.
func summarize(attempts []Attempt) []BestScore {
	type key struct{ exerciseID, studentID string }
	idx := make(map[key]int)
	var scores []BestScore

	for _, att := range attempts {
		k := key{att.ExerciseID, att.StudentID}
		i, ok := idx[k]
		if !ok {
			i = len(scores)
			idx[k] = i
			scores = append(scores, BestScore{ExerciseID: att.ExerciseID, StudentID: att.StudentID})
		}
		bs := &scores[i]
		bs.Attempts++
		bs.LastScore = att.Score
		bs.LastAttempt = att.CompletedAt
		if att.Score > bs.BestScore {
			bs.BestScore = att.Score
		}
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].BestScore > scores[j].BestScore })
	if scores == nil {
		scores = []BestScore{}
	}
	return scores
}

func (svc *service) DeleteByExercise(ctx context.Context, exerciseID string) (int, error) {
	n, err := svc.repo.DeleteAttemptsByExercise(ctx, exerciseID)
	return n, errors.Wrap(err, "deleting attempts")
}

func (svc *service) Rescore(ctx context.Context, ex exercise.Exercise, dryRun bool) (int, error) {
	attempts, err := svc.repo.QueryAttempts(ctx, &QueryFilter{ExerciseID: ex.ID}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "querying attempts")
	}

	var changed int
	for _, att := range attempts {
		var answers scoring.Answers
		if len(att.Answers) > 0 {
			if err = json.Unmarshal(att.Answers, &answers); err != nil {
				return changed, errors.Wrapf(err, "decoding answers of attempt %s", att.ID)
			}
		}
		res, err := scoring.Score(ex, answers)
		if err != nil {
			return changed, errors.Wrapf(err, "scoring attempt %s", att.ID)
		}
		feedback, err := sonic.Marshal(res.Items)
		if err != nil {
			return changed, errors.Wrap(err, "encoding feedback")
		}
		if res.Score == att.Score && jsonEqual(feedback, att.Feedback) {
			continue
		}

		changed++
		if dryRun {
			continue
		}
		att.Score = res.Score
		att.Feedback = feedback
		if _, err = svc.repo.UpdateAttempt(ctx, att); err != nil {
			return changed, errors.Wrap(err, "updating attempt")
		}
	}
	return changed, nil
}

func jsonEqual(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	da, _ := json.Marshal(va)
	db, _ := json.Marshal(vb)
	return string(da) == string(db)
}
