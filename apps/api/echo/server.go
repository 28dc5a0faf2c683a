package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/media"
	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
)

const healthTimeout = 2 * time.Second

type (
	// Pinger is satisfied by *sql.DB and *sqlx.DB.
	Pinger interface {
		PingContext(ctx context.Context) error
	}

	Options struct {
		Address        string
		DisableReqLogs bool
		Logger         core.Logger
		Validate       *validator.Validate
		DB             Pinger

		UserSvc         user.ServiceInterface
		SchoolSvc       school.ServiceInterface
		ExerciseSvc     exercise.ServiceInterface
		AttemptSvc      attempt.ServiceInterface
		SubscriptionSvc subscription.ServiceInterface
		ReportSvc       report.ServiceInterface
		MediaSvc        media.ServiceInterface
	}

	Server struct {
		opts     *Options
		app      *echo.Echo
		errors   chan error
		shutdown chan os.Signal
	}
)

var _ http.Handler = (*Server)(nil) // interface compliance check

func NewServer(opts *Options) *Server {
	s := &Server{
		opts:     opts,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(core.Conf.Debug || core.Conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	s.app.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{core.Conf.FrontendBaseURL},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	s.app.Use(middleware.BodyLimit("10M"))

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.opts.Logger, s.SignalShutdown)
	s.app.Debug = core.Conf.Debug

	s.app.GET("/", home)
	s.app.GET("/health", s.health)
	if core.Conf.Media.Backend == "local" {
		s.app.Static(strings.TrimSuffix(media.UploadsPrefix, "/"), core.Conf.Media.LocalDir)
	}

	api := s.app.Group("/api")
	jwt := middleware.JWTWithConfig(appJWTConfig)
	deps := &handlerDeps{
		validate: s.opts.Validate,
		users:    s.opts.UserSvc,
	}

	registerUserAPI(api, jwt, deps, s.opts.SchoolSvc)
	registerSchoolAPI(api, jwt, deps, s.opts.SchoolSvc, s.opts.ReportSvc)
	registerExerciseAPI(api, jwt, deps, exerciseServices{
		exercises: s.opts.ExerciseSvc,
		attempts:  s.opts.AttemptSvc,
		reports:   s.opts.ReportSvc,
		schools:   s.opts.SchoolSvc,
	})
	registerMediaAPI(api, jwt, deps, s.opts.MediaSvc)
	registerPaymentAPI(api, jwt, deps, s.opts.SubscriptionSvc)
}

// Start listens on Options.Address; listening errors are sent to Errors().
func (s *Server) Start() {
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	if err := s.app.Start(s.opts.Address); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

// SignalShutdown asks the owner of the server to shut it down gracefully.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default: // already signaled
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to the "+core.Conf.AppName+" API!")
}

type healthResponse struct {
	Status   string `json:"status"`
	Build    string `json:"build"`
	Database string `json:"database"`
}

func (s *Server) health(ctx echo.Context) error {
	resp := healthResponse{Status: "ok", Build: core.Conf.Build, Database: "ok"}
	if s.opts.DB == nil {
		resp.Database = "none"
		return ctx.JSON(http.StatusOK, resp)
	}

	c, cancel := context.WithTimeout(ctx.Request().Context(), healthTimeout)
	defer cancel()
	if err := s.opts.DB.PingContext(c); err != nil {
		s.opts.Logger.Error("health check: "+err.Error(), err)
		resp.Status = "unavailable"
		resp.Database = "unreachable"
		return ctx.JSON(http.StatusServiceUnavailable, resp)
	}
	return ctx.JSON(http.StatusOK, resp)
}
