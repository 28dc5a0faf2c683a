package echoapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/user"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var errExNotFoundInCtx = errors.New("exercise object not found in echo.Context")

type (
	exerciseServices struct {
		exercises exercise.ServiceInterface
		attempts  attempt.ServiceInterface
		reports   report.ServiceInterface
		schools   school.ServiceInterface
	}

	exerciseApi struct {
		*handlerDeps
		exerciseServices
	}
)

func registerExerciseAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *handlerDeps, svcs exerciseServices) {
	api := exerciseApi{handlerDeps: deps, exerciseServices: svcs}

	eg := g.Group("/exercises", jwt)
	eg.GET("", api.query)
	eg.POST("", api.create, teacherMiddleware())

	dg := eg.Group("/:id", api.exerciseMiddleware)
	dg.GET("", api.retrieve)
	dg.PUT("", api.update, api.managerMiddleware)
	dg.DELETE("", api.destroy, api.managerMiddleware)
	dg.POST("/duplicate", api.duplicate, teacherMiddleware())
	dg.POST("/submit", api.submit)
	dg.GET("/attempts", api.listAttempts, api.managerMiddleware)
	dg.DELETE("/attempts", api.deleteAttempts, api.managerMiddleware)
	dg.GET("/attempts/export", api.exportAttempts, api.managerMiddleware)
	dg.POST("/attempts/email", api.emailAttempts, api.managerMiddleware)
	dg.GET("/best-scores", api.bestScores, api.managerMiddleware)
	dg.GET("/stats", api.stats, api.managerMiddleware)

	g.GET("/attempts", api.ownAttempts, jwt)
}

// exerciseMiddleware loads the exercise visible to the context user into the context.
func (api *exerciseApi) exerciseMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		c := ctx.Request().Context()
		usr, err := api.contextUser(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context user")
		}

		ex, err := api.exercises.Get(c, ctx.Param("id"))
		if err != nil {
			if errors.Cause(err) == exercise.ErrNotFound {
				return errHttpNotFound
			}
			return errors.Wrap(err, "finding exercise")
		}
		canView, err := api.exercises.CanView(c, usr, ex)
		if err != nil {
			return errors.Wrap(err, "checking exercise visibility")
		}
		if !canView {
			return errHttpNotFound
		}
		ctx.Set("object", ex)
		return next(ctx)
	}
}

func (api *exerciseApi) managerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		ex, usr, err := api.contextExercise(ctx)
		if err != nil {
			return err
		}
		if !api.exercises.CanManage(usr, ex) {
			return errHttpForbidden
		}
		return next(ctx)
	}
}

func (api *exerciseApi) contextExercise(ctx echo.Context) (exercise.Exercise, user.User, error) {
	ex, ok := ctx.Get("object").(exercise.Exercise)
	if !ok {
		return exercise.Exercise{}, user.User{}, errors.Wrap(errExNotFoundInCtx, "retrieving object from context")
	}
	usr, err := api.contextUser(ctx)
	if err != nil {
		return exercise.Exercise{}, user.User{}, errors.Wrap(err, "getting context user")
	}
	return ex, usr, nil
}

// checkClass returns a validation error unless `usr` manages the class `classID`.
func (api *exerciseApi) checkClass(ctx echo.Context, usr user.User, classID string) error {
	if classID == "" {
		return nil
	}
	cls, err := api.schools.GetClass(ctx.Request().Context(), classID)
	if err != nil {
		if errors.Cause(err) == school.ErrClassNotFound {
			return core.NewFieldValidationError("class_id", school.ErrClassNotFound.Error())
		}
		return errors.Wrap(err, "finding class")
	}
	if !api.schools.CanManageClass(usr, cls) {
		return core.NewFieldValidationError("class_id", "you do not teach this class")
	}
	return nil
}

// studentView strips the answer key from `ex`.
func studentView(ex exercise.Exercise) (exercise.Exercise, error) {
	content, err := exercise.StudentContent(ex)
	if err != nil {
		return exercise.Exercise{}, errors.Wrap(err, "building student content")
	}
	ex.Content = content
	return ex, nil
}

// Handlers

func (api *exerciseApi) query(ctx echo.Context) error {
	c := ctx.Request().Context()
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	filter := &exercise.QueryFilter{
		Search:  ctx.QueryParam("search"),
		Type:    exercise.Type(ctx.QueryParam("exercise_type")),
		Subject: ctx.QueryParam("subject"),
		Level:   ctx.QueryParam("level"),
		ClassID: ctx.QueryParam("class_id"),
	}
	filter.Clean()

	manager := usr.IsAdmin() || usr.IsTeacher()
	switch {
	case usr.IsAdmin():
		filter.TeacherID = ctx.QueryParam("teacher_id")
	case usr.IsTeacher():
		filter.TeacherID = usr.ID
	default:
		classes, err := api.schools.QueryClasses(c, school.ClassFilter{StudentID: usr.ID})
		if err != nil {
			return errors.Wrap(err, "querying student classes")
		}
		filter.ClassIDs = make([]string, 0, len(classes))
		for _, cls := range classes {
			filter.ClassIDs = append(filter.ClassIDs, cls.ID)
		}
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	exercises, err := api.exercises.Query(c, filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying exercises")
	}
	if exercises == nil {
		exercises = []exercise.Exercise{}
	}
	if !manager {
		for i, ex := range exercises {
			if exercises[i], err = studentView(ex); err != nil {
				return err
			}
		}
	}
	return ctx.JSON(http.StatusOK, exercises)
}

func (api *exerciseApi) create(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data exercise.NewExercise
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewExercise")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}
	if err = api.checkClass(ctx, usr, data.ClassID); err != nil {
		return err
	}

	ex, err := api.exercises.Create(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "creating exercise")
	}
	return ctx.JSON(http.StatusCreated, ex)
}

func (api *exerciseApi) retrieve(ctx echo.Context) error {
	ex, usr, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	if !api.exercises.CanManage(usr, ex) {
		if ex, err = studentView(ex); err != nil {
			return err
		}
	}
	return ctx.JSON(http.StatusOK, ex)
}

func (api *exerciseApi) update(ctx echo.Context) error {
	ex, usr, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}

	var data exercise.UpdateExercise
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateExercise")
	}
	if err = data.Validate(ex, api.validate); err != nil {
		return err
	}
	if data.ClassID != nil && *data.ClassID != ex.ClassID {
		if err = api.checkClass(ctx, usr, *data.ClassID); err != nil {
			return err
		}
	}

	if ex, err = api.exercises.Update(ctx.Request().Context(), ex, data); err != nil {
		return errors.Wrap(err, "updating exercise")
	}
	return ctx.JSON(http.StatusOK, ex)
}

func (api *exerciseApi) destroy(ctx echo.Context) error {
	c := ctx.Request().Context()
	ex, _, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	if _, err = api.attempts.DeleteByExercise(c, ex.ID); err != nil {
		return errors.Wrap(err, "deleting attempts")
	}
	if err = api.exercises.Delete(c, ex.ID); err != nil {
		return errors.Wrap(err, "deleting exercise")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *exerciseApi) duplicate(ctx echo.Context) error {
	ex, usr, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	dup, err := api.exercises.Duplicate(ctx.Request().Context(), ex, usr)
	if err != nil {
		return errors.Wrap(err, "duplicating exercise")
	}
	return ctx.JSON(http.StatusCreated, dup)
}

func (api *exerciseApi) submit(ctx echo.Context) error {
	ex, usr, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}

	var data attempt.Submission
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Submission")
	}

	outcome, err := api.attempts.Submit(ctx.Request().Context(), usr, ex, data.Answers)
	if err != nil {
		return errors.Wrap(err, "submitting attempt")
	}
	code := http.StatusOK
	if outcome.Attempt != nil {
		code = http.StatusCreated
	}
	return ctx.JSON(code, outcome)
}

func (api *exerciseApi) listAttempts(ctx echo.Context) error {
	ex, _, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	filter := &attempt.QueryFilter{ExerciseID: ex.ID, StudentID: ctx.QueryParam("student_id")}
	attempts, err := api.attempts.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying attempts")
	}
	if attempts == nil {
		attempts = []attempt.Attempt{}
	}
	return ctx.JSON(http.StatusOK, attempts)
}

func (api *exerciseApi) deleteAttempts(ctx echo.Context) error {
	ex, _, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	n, err := api.attempts.DeleteByExercise(ctx.Request().Context(), ex.ID)
	if err != nil {
		return errors.Wrap(err, "deleting attempts")
	}
	return ctx.JSON(http.StatusOK, echo.Map{"deleted": n})
}

func (api *exerciseApi) bestScores(ctx echo.Context) error {
	ex, _, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	scores, err := api.attempts.BestScores(ctx.Request().Context(), &attempt.QueryFilter{ExerciseID: ex.ID})
	if err != nil {
		return errors.Wrap(err, "computing best scores")
	}
	if scores == nil {
		scores = []attempt.BestScore{}
	}
	return ctx.JSON(http.StatusOK, scores)
}

func (api *exerciseApi) stats(ctx echo.Context) error {
	ex, _, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	stats, err := api.reports.ExerciseStats(ctx.Request().Context(), ex)
	if err != nil {
		return errors.Wrap(err, "computing exercise stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *exerciseApi) exportAttempts(ctx echo.Context) error {
	ex, _, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if _, err = api.reports.ExportAttempts(ctx.Request().Context(), ex, &buf); err != nil {
		return errors.Wrap(err, "exporting attempts")
	}
	filename := fmt.Sprintf("attempts-%s-%s.xlsx", ex.ID, time.Now().UTC().Format("20060102"))
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return ctx.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

func (api *exerciseApi) emailAttempts(ctx echo.Context) error {
	ex, usr, err := api.contextExercise(ctx)
	if err != nil {
		return err
	}
	if err = api.reports.EmailAttempts(ctx.Request().Context(), ex, usr); err != nil {
		return errors.Wrap(err, "emailing attempts")
	}
	return ctx.JSON(http.StatusAccepted, SuccessResponse{Success: "The export will arrive in your inbox shortly."})
}

func (api *exerciseApi) ownAttempts(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	ordering := new(Ordering)
	ordering.Bind(ctx)

	filter := &attempt.QueryFilter{StudentID: usr.ID, ExerciseID: ctx.QueryParam("exercise_id")}
	attempts, err := api.attempts.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying attempts")
	}
	if attempts == nil {
		attempts = []attempt.Attempt{}
	}
	return ctx.JSON(http.StatusOK, attempts)
}
