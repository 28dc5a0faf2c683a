package echoapi

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/user"
)

// handlerDeps is shared by all the route groups.
type handlerDeps struct {
	validate *validator.Validate
	users    user.ServiceInterface
}

func (d *handlerDeps) contextUser(ctx echo.Context) (user.User, error) {
	return getContextUser(ctx, d.users)
}

// kindMiddleware only lets through the users of the given kinds.
func kindMiddleware(kinds ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if core.StringInSlice(claims.Kind, kinds) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// adminMiddleware lets admins through; when `roles` are given, the admin must hold one of them.
func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.Kind == kindAdmin && claimsHaveAnyRole(claims, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// teacherMiddleware lets teachers & admins through.
func teacherMiddleware() echo.MiddlewareFunc { return kindMiddleware(kindTeacher, kindAdmin) }

func studentMiddleware() echo.MiddlewareFunc { return kindMiddleware(kindStudent) }
