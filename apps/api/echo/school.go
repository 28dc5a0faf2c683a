package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/user"
)

var errClassNotFoundInCtx = errors.New("class object not found in echo.Context")

type schoolApi struct {
	*handlerDeps
	svc     school.ServiceInterface
	reports report.ServiceInterface
}

func registerSchoolAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	deps *handlerDeps,
	svc school.ServiceInterface,
	reports report.ServiceInterface,
) {
	api := schoolApi{handlerDeps: deps, svc: svc, reports: reports}

	sg := g.Group("/schools")
	sg.GET("", api.querySchools) // public: picked at sign up & checkout
	admin := adminMiddleware()
	sg.POST("", api.createSchool, jwt, admin)
	sg.GET("/:id", api.retrieveSchool, jwt, admin)
	sg.PUT("/:id", api.updateSchool, jwt, admin)
	sg.DELETE("/:id", api.destroySchool, jwt, admin)

	cg := g.Group("/classes", jwt)
	cg.GET("", api.queryClasses)
	cg.POST("", api.createClass, teacherMiddleware())
	cg.POST("/join", api.joinClass, studentMiddleware())

	dg := cg.Group("/:id", api.classMiddleware)
	dg.GET("", api.retrieveClass)
	dg.PUT("", api.updateClass, api.classManagerMiddleware)
	dg.DELETE("", api.destroyClass, api.classManagerMiddleware)
	dg.POST("/code", api.regenerateCode, api.classManagerMiddleware)
	dg.GET("/students", api.classStudents, api.classManagerMiddleware)
	dg.DELETE("/students/:student_id", api.removeStudent, api.classManagerMiddleware)
	dg.POST("/leave", api.leaveClass, studentMiddleware())
	dg.GET("/results", api.classResults, api.classManagerMiddleware)
}

// Schools

func (api *schoolApi) querySchools(ctx echo.Context) error {
	filter := &school.QueryFilter{
		Search:             ctx.QueryParam("search"),
		SubscriptionStatus: core.SubscriptionStatus(ctx.QueryParam("subscription_status")),
	}
	var expiry ExpiryRange
	if err := expiry.Bind(ctx); err != nil {
		return err
	}
	filter.ExpiresAfter, filter.ExpiresBefore = expiry.After, expiry.Before
	filter.Clean()
	ordering := new(Ordering)
	ordering.Bind(ctx)

	schools, err := api.svc.QuerySchools(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying schools")
	}
	if schools == nil {
		schools = []school.School{}
	}
	return ctx.JSON(http.StatusOK, schools)
}

func (api *schoolApi) createSchool(ctx echo.Context) error {
	var data school.NewSchool
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSchool")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	sch, err := api.svc.CreateSchool(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating school")
	}
	return ctx.JSON(http.StatusCreated, sch)
}

func (api *schoolApi) retrieveSchool(ctx echo.Context) error {
	sch, err := api.svc.GetSchool(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding school")
	}
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) updateSchool(ctx echo.Context) error {
	c := ctx.Request().Context()
	sch, err := api.svc.GetSchool(c, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding school")
	}

	var data school.UpdateSchool
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSchool")
	}
	if err = data.Validate(sch, api.validate); err != nil {
		return err
	}

	if sch, err = api.svc.UpdateSchool(c, sch.ID, data); err != nil {
		return errors.Wrap(err, "updating school")
	}
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) destroySchool(ctx echo.Context) error {
	if err := api.svc.DeleteSchool(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return errors.Wrap(err, "deleting school")
	}
	return ctx.NoContent(http.StatusNoContent)
}

// Classes

func (api *schoolApi) queryClasses(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var filter school.ClassFilter
	switch {
	case usr.IsAdmin():
		filter.TeacherID = ctx.QueryParam("teacher_id")
		filter.SchoolID = ctx.QueryParam("school_id")
	case usr.IsTeacher():
		filter.TeacherID = usr.ID
	default:
		filter.StudentID = usr.ID
	}

	classes, err := api.svc.QueryClasses(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying classes")
	}
	if classes == nil {
		classes = []school.Class{}
	}
	if !(usr.IsAdmin() || usr.IsTeacher()) {
		for i := range classes {
			classes[i].AccessCode = ""
		}
	}
	return ctx.JSON(http.StatusOK, classes)
}

func (api *schoolApi) createClass(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data school.NewClass
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewClass")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	cls, err := api.svc.CreateClass(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "creating class")
	}
	return ctx.JSON(http.StatusCreated, cls)
}

func (api *schoolApi) joinClass(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data school.JoinClass
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to JoinClass")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	cls, err := api.svc.JoinClass(ctx.Request().Context(), usr, data.AccessCode)
	if err != nil {
		return errors.Wrap(err, "joining class")
	}
	cls.AccessCode = ""
	return ctx.JSON(http.StatusOK, cls)
}

// classMiddleware loads the class visible to the context user into the context.
func (api *schoolApi) classMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		c := ctx.Request().Context()
		usr, err := api.contextUser(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context user")
		}

		cls, err := api.svc.GetClass(c, ctx.Param("id"))
		if err != nil {
			if errors.Cause(err) == school.ErrClassNotFound {
				return errHttpNotFound
			}
			return errors.Wrap(err, "finding class")
		}

		if !api.svc.CanManageClass(usr, cls) {
			enrolled, err := api.svc.IsEnrolled(c, cls.ID, usr.ID)
			if err != nil {
				return errors.Wrap(err, "checking enrollment")
			}
			if !enrolled {
				return errHttpNotFound
			}
			cls.AccessCode = ""
		}
		ctx.Set("object", cls)
		return next(ctx)
	}
}

func (api *schoolApi) classManagerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		cls, usr, err := api.contextClass(ctx)
		if err != nil {
			return err
		}
		if !api.svc.CanManageClass(usr, cls) {
			return errHttpForbidden
		}
		return next(ctx)
	}
}

func (api *schoolApi) contextClass(ctx echo.Context) (school.Class, user.User, error) {
	cls, ok := ctx.Get("object").(school.Class)
	if !ok {
		return school.Class{}, user.User{}, errors.Wrap(errClassNotFoundInCtx, "retrieving object from context")
	}
	usr, err := api.contextUser(ctx)
	if err != nil {
		return school.Class{}, user.User{}, errors.Wrap(err, "getting context user")
	}
	return cls, usr, nil
}

func (api *schoolApi) retrieveClass(ctx echo.Context) error {
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, cls)
}

func (api *schoolApi) updateClass(ctx echo.Context) error {
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}

	var data school.NewClass
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewClass")
	}
	if data.Name == "" {
		data.Name = cls.Name
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	if cls, err = api.svc.UpdateClass(ctx.Request().Context(), cls, data); err != nil {
		return errors.Wrap(err, "updating class")
	}
	return ctx.JSON(http.StatusOK, cls)
}

func (api *schoolApi) destroyClass(ctx echo.Context) error {
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteClass(ctx.Request().Context(), cls.ID); err != nil {
		return errors.Wrap(err, "deleting class")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *schoolApi) regenerateCode(ctx echo.Context) error {
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}
	if cls, err = api.svc.RegenerateCode(ctx.Request().Context(), cls); err != nil {
		return errors.Wrap(err, "regenerating access code")
	}
	return ctx.JSON(http.StatusOK, cls)
}

func (api *schoolApi) classStudents(ctx echo.Context) error {
	c := ctx.Request().Context()
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}

	ids, err := api.svc.ClassStudentIDs(c, cls.ID)
	if err != nil {
		return errors.Wrap(err, "listing class students")
	}
	students := make([]user.User, 0, len(ids))
	for _, id := range ids {
		std, err := api.users.GetByID(c, id)
		if err != nil {
			if errors.Cause(err) == user.ErrNotFound {
				continue
			}
			return errors.Wrap(err, "finding student")
		}
		students = append(students, std)
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *schoolApi) removeStudent(ctx echo.Context) error {
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.LeaveClass(ctx.Request().Context(), cls.ID, ctx.Param("student_id")); err != nil {
		return errors.Wrap(err, "removing student")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *schoolApi) leaveClass(ctx echo.Context) error {
	cls, usr, err := api.contextClass(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.LeaveClass(ctx.Request().Context(), cls.ID, usr.ID); err != nil {
		return errors.Wrap(err, "leaving class")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *schoolApi) classResults(ctx echo.Context) error {
	cls, _, err := api.contextClass(ctx)
	if err != nil {
		return err
	}
	res, err := api.reports.ClassResults(ctx.Request().Context(), cls)
	if err != nil {
		return errors.Wrap(err, "computing class results")
	}
	return ctx.JSON(http.StatusOK, res)
}
