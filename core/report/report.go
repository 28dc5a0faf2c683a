package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/user"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	attemptsSheet   = "Attempts"
	xlsxTimeLayout  = "2006-01-02 15:04"
)

type (
	ExerciseStats struct {
		ExerciseID   string  `json:"exercise_id"`
		Attempts     int     `json:"attempts"`
		Students     int     `json:"students"`
		AverageScore float64 `json:"average_score"`
		BestScore    int     `json:"best_score"`
		WorstScore   int     `json:"worst_score"`
		// PassRate is the share of students whose best score is 50 or more, in percent.
		PassRate float64 `json:"pass_rate"`
	}

	// ScoreCell is the best score of a student at an exercise.
	ScoreCell struct {
		ExerciseID string `json:"exercise_id"`
		StudentID  string `json:"student_id"`
		BestScore  int    `json:"best_score"`
		Attempts   int    `json:"attempts"`
	}

	ExerciseRef struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}

	StudentRow struct {
		StudentID string         `json:"student_id"`
		Name      string         `json:"name"`
		Scores    map[string]int `json:"scores"` // exercise ID -> best score; missing when not attempted
		Average   float64        `json:"average"`
	}

	ClassResults struct {
		ClassID   string        `json:"class_id"`
		Exercises []ExerciseRef `json:"exercises"`
		Students  []StudentRow  `json:"students"`
	}

	// Repository computes aggregations over the stored attempts.
	Repository interface {
		ExerciseStats(ctx context.Context, exerciseID string, exec ...core.DBExecutor) (ExerciseStats, error)
		BestScores(ctx context.Context, exerciseIDs, studentIDs []string, exec ...core.DBExecutor) ([]ScoreCell, error)
	}

	ServiceInterface interface {
		ExerciseStats(ctx context.Context, ex exercise.Exercise) (ExerciseStats, error)
		ClassResults(ctx context.Context, cls school.Class) (ClassResults, error)
		// ExportAttempts writes the attempts of `ex` as an XLSX workbook and returns the number of attempts.
		ExportAttempts(ctx context.Context, ex exercise.Exercise, w io.Writer) (int, error)
		// EmailAttempts emails the XLSX export of the attempts of `ex` to `to`.
		EmailAttempts(ctx context.Context, ex exercise.Exercise, to user.User) error
	}

	service struct {
		repo      Repository
		attSvc    attempt.ServiceInterface
		exSvc     exercise.ServiceInterface
		usrSvc    user.ServiceInterface
		schoolSvc school.ServiceInterface
		mailSvc   core.EmailService
	}
)

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(
	repo Repository,
	attSvc attempt.ServiceInterface,
	exSvc exercise.ServiceInterface,
	usrSvc user.ServiceInterface,
	schoolSvc school.ServiceInterface,
	mailSvc core.EmailService,
) *service {
	return &service{
		repo:      repo,
		attSvc:    attSvc,
		exSvc:     exSvc,
		usrSvc:    usrSvc,
		schoolSvc: schoolSvc,
		mailSvc:   mailSvc,
	}
}

func (svc *service) ExerciseStats(ctx context.Context, ex exercise.Exercise) (ExerciseStats, error) {
	stats, err := svc.repo.ExerciseStats(ctx, ex.ID)
	if err != nil {
		return ExerciseStats{}, errors.Wrap(err, "computing exercise stats")
	}
	stats.ExerciseID = ex.ID
	return stats, nil
}

func (svc *service) ClassResults(ctx context.Context, cls school.Class) (ClassResults, error) {
	res := ClassResults{ClassID: cls.ID, Exercises: []ExerciseRef{}, Students: []StudentRow{}}

	exercises, err := svc.exSvc.Query(ctx, &exercise.QueryFilter{ClassID: cls.ID}, []core.DBOrdering{{Field: "created_at", Ascending: true}})
	if err != nil {
		return res, errors.Wrap(err, "querying exercises")
	}
	studentIDs, err := svc.schoolSvc.ClassStudentIDs(ctx, cls.ID)
	if err != nil {
		return res, errors.Wrap(err, "querying class students")
	}
	if len(studentIDs) == 0 {
		for _, ex := range exercises {
			res.Exercises = append(res.Exercises, ExerciseRef{ID: ex.ID, Title: ex.Title})
		}
		return res, nil
	}

	exIDs := make([]string, 0, len(exercises))
	for _, ex := range exercises {
		exIDs = append(exIDs, ex.ID)
		res.Exercises = append(res.Exercises, ExerciseRef{ID: ex.ID, Title: ex.Title})
	}

	var cells []ScoreCell
	if len(exIDs) > 0 {
		if cells, err = svc.repo.BestScores(ctx, exIDs, studentIDs); err != nil {
			return res, errors.Wrap(err, "querying best scores")
		}
	}
	scores := make(map[string]map[string]int, len(studentIDs))
	for _, c := range cells {
		if scores[c.StudentID] == nil {
			scores[c.StudentID] = make(map[string]int)
		}
		scores[c.StudentID][c.ExerciseID] = c.BestScore
	}

	for _, id := range studentIDs {
		row := StudentRow{StudentID: id, Scores: scores[id]}
		if row.Scores == nil {
			row.Scores = map[string]int{}
		}
		if usr, err := svc.usrSvc.GetByID(ctx, id); err == nil {
			row.Name = usr.DisplayName()
		} else if errors.Cause(err) != user.ErrNotFound {
			return res, errors.Wrap(err, "finding student")
		}
		if len(exIDs) > 0 {
			var total int
			for _, s := range row.Scores {
				total += s
			}
			// exercises not attempted count as 0
			row.Average = round1(float64(total) / float64(len(exIDs)))
		}
		res.Students = append(res.Students, row)
	}
	sort.SliceStable(res.Students, func(i, j int) bool { return res.Students[i].Name < res.Students[j].Name })
	return res, nil
}

func (svc *service) ExportAttempts(ctx context.Context, ex exercise.Exercise, w io.Writer) (int, error) {
	attempts, err := svc.attSvc.Query(ctx, &attempt.QueryFilter{ExerciseID: ex.ID}, []core.DBOrdering{{Field: "completed_at", Ascending: true}})
	if err != nil {
		return 0, errors.Wrap(err, "querying attempts")
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err = f.SetSheetName(sheet, attemptsSheet); err != nil {
		return 0, errors.Wrap(err, "renaming sheet")
	}

	header := []interface{}{"Student", "Username", "Score (%)", "Completed at (UTC)"}
	if err = setRow(f, 1, header); err != nil {
		return 0, err
	}

	names := make(map[string]user.User)
	for i, att := range attempts {
		usr, ok := names[att.StudentID]
		if !ok {
			if usr, err = svc.usrSvc.GetByID(ctx, att.StudentID); err != nil && errors.Cause(err) != user.ErrNotFound {
				return 0, errors.Wrap(err, "finding student")
			}
			names[att.StudentID] = usr
		}
		row := []interface{}{usr.DisplayName(), usr.Username, att.Score, att.CompletedAt.UTC().Format(xlsxTimeLayout)}
		if err = setRow(f, i+2, row); err != nil {
			return 0, err
		}
	}

	if err = f.Write(w); err != nil {
		return 0, errors.Wrap(err, "writing workbook")
	}
	return len(attempts), nil
}

func (svc *service) EmailAttempts(ctx context.Context, ex exercise.Exercise, to user.User) error {
	if to.Email == "" {
		return core.NewFieldValidationError("email", "this user has no email address")
	}

	var buf bytes.Buffer
	n, err := svc.ExportAttempts(ctx, ex, &buf)
	if err != nil {
		return err
	}

	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: to.DisplayName(), Address: to.Email}},
		Subject:      "Results: " + ex.Title,
		TemplateName: "attempts_export",
		TemplateData: map[string]interface{}{
			"Name":  to.DisplayName(),
			"Title": ex.Title,
			"Count": n,
		},
	}
	filename := fmt.Sprintf("attempts-%s-%s.xlsx", ex.ID, time.Now().UTC().Format("20060102"))
	if err = msg.Attach(&buf, filename, xlsxContentType); err != nil {
		return err
	}
	svc.mailSvc.SendMessages(msg)
	return nil
}

func setRow(f *excelize.File, row int, values []interface{}) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return errors.Wrap(err, "computing cell name")
		}
		if err = f.SetCellValue(attemptsSheet, cell, v); err != nil {
			return errors.Wrap(err, "setting cell value")
		}
	}
	return nil
}

func round1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
