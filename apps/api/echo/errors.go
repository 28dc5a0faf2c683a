package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/media"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden        = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound         = echo.NewHTTPError(http.StatusNotFound, "not found")

	// domainStatuses maps the sentinel errors of the core packages to HTTP statuses.
	domainStatuses = map[error]int{
		user.ErrNotFound:                 http.StatusNotFound,
		user.ErrUserExists:               http.StatusConflict,
		school.ErrNotFound:               http.StatusNotFound,
		school.ErrClassNotFound:          http.StatusNotFound,
		school.ErrCodeTaken:              http.StatusConflict,
		school.ErrSchoolExists:           http.StatusConflict,
		exercise.ErrNotFound:             http.StatusNotFound,
		exercise.ErrForbidden:            http.StatusForbidden,
		attempt.ErrNotFound:              http.StatusNotFound,
		attempt.ErrMaxAttempts:           http.StatusConflict,
		subscription.ErrNoAccess:         http.StatusForbidden,
		subscription.ErrPaymentNotFound:  http.StatusNotFound,
		subscription.ErrInvalidSignature: http.StatusForbidden,
		subscription.ErrAmountMismatch:   http.StatusBadRequest,
		subscription.ErrNoSchool:         http.StatusBadRequest,
		media.ErrTooLarge:                http.StatusRequestEntityTooLarge,
		media.ErrUnsupportedImage:        http.StatusUnsupportedMediaType,
		media.ErrInvalidKey:              http.StatusBadRequest,
	}
)

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		cause := errors.Cause(err)
		switch origErr := cause.(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(core.Translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if origErr.Fields != nil {
				fldErrs := make(map[string]string, len(origErr.Fields))
				for _, fErr := range origErr.Fields {
					fldErrs[fErr.Field] = fErr.Error
				}
				message = fldErrs
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
			if status, ok := domainStatuses[origErr.Err]; ok {
				code = status
			}
		default:
			if status, ok := domainStatuses[cause]; ok {
				code = status
				message = cause.Error()
				break
			}

			// any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			message = msg

			var usr user.User
			if claims, cErr := getContextClaims(ctx); cErr == nil {
				usr.ID = claims.Subject
				usr.Username = claims.Username
			}
			logger.Error(msg, errors.Wrap(err, msg), usr)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug && code == http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead {
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
