// Package di wires the API dependencies with a dig.Container.
package di

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/classesnumeriques/platform/apps/api/echo"
	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/media"
	"github.com/classesnumeriques/platform/core/report"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
	"github.com/classesnumeriques/platform/services/cache"
	emailsvc "github.com/classesnumeriques/platform/services/email"
	logsvc "github.com/classesnumeriques/platform/services/logger"
	mediasvc "github.com/classesnumeriques/platform/services/media"
	paymentsvc "github.com/classesnumeriques/platform/services/payment"
	schedulersvc "github.com/classesnumeriques/platform/services/scheduler"
	"github.com/classesnumeriques/platform/storage/database"
	boiledrepos "github.com/classesnumeriques/platform/storage/database/sqlboiler"
	sqlxrepos "github.com/classesnumeriques/platform/storage/database/sqlx"
)

const redisDialTimeout = 5 * time.Second

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

// MailService is an email service that can wait for its pending deliveries.
type MailService interface {
	core.EmailService
	Wait()
}

func newConfig() *core.Config {
	return core.Conf
}

func newLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	setUp := func() (*sqlx.DB, error) {
		if err := database.CreateIfNotExist(conf); err != nil {
			return nil, err
		}

		db, err := database.Open(conf)
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db.DB, "up"); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

// newCache uses redis when configured, falling back to an in-process cache.
func newCache(conf *core.Config, logger core.Logger) core.Cache {
	if conf.Cache.RedisAddr == "" {
		return cache.NewMemoryCache()
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	rc, err := cache.NewRedisCache(ctx, conf.Cache.RedisAddr, conf.Cache.RedisPassword, conf.Cache.RedisDB)
	if err != nil {
		logger.Warn(fmt.Sprintf("redis unavailable, using the memory cache: %v", err), err)
		return cache.NewMemoryCache()
	}
	return rc
}

func newImageStore(conf *core.Config, logger core.Logger) media.ImageStore {
	var (
		store media.ImageStore
		err   error
	)
	switch conf.Media.Backend {
	case "cloudinary":
		store, err = mediasvc.NewCloudinaryStore(conf.Media.CloudinaryURL)
	case "oss":
		store, err = mediasvc.NewOSSStore(
			conf.Media.OSSEndpoint, conf.Media.OSSKeyID, conf.Media.OSSKeySecret, conf.Media.OSSBucket, conf.Media.OSSBaseURL,
		)
	default:
		store = mediasvc.NewLocalStore(conf.Media.LocalDir, conf.Media.LocalBaseURL)
	}
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up %s media store: %v", conf.Media.Backend, err), err)
	}
	return store
}

func newEmailService(conf *core.Config, logger core.Logger) MailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(logger)
	}
	return emailsvc.NewSendgridService(logger)
}

func newScheduler(subSvc subscription.ServiceInterface, logger core.Logger) *schedulersvc.Scheduler {
	return schedulersvc.NewScheduler(subSvc, logger)
}

type serverParams struct {
	dig.In

	Conf            *core.Config
	Logger          core.Logger
	DB              *sqlx.DB
	Validate        *validator.Validate
	UserSvc         user.ServiceInterface
	SchoolSvc       school.ServiceInterface
	ExerciseSvc     exercise.ServiceInterface
	AttemptSvc      attempt.ServiceInterface
	SubscriptionSvc subscription.ServiceInterface
	ReportSvc       report.ServiceInterface
	MediaSvc        media.ServiceInterface
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(&echoapi.Options{
		Address:         p.Conf.Server.Host,
		Logger:          p.Logger,
		Validate:        p.Validate,
		DB:              p.DB,
		UserSvc:         p.UserSvc,
		SchoolSvc:       p.SchoolSvc,
		ExerciseSvc:     p.ExerciseSvc,
		AttemptSvc:      p.AttemptSvc,
		SubscriptionSvc: p.SubscriptionSvc,
		ReportSvc:       p.ReportSvc,
		MediaSvc:        p.MediaSvc,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	// config & logging
	must(c.Provide(newConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))

	// storage
	must(c.Provide(newDB))
	must(c.Provide(func(db *sqlx.DB) core.DBExecutor { return db }))
	must(c.Provide(func(db *sqlx.DB) core.Transactor { return database.NewTransactor(db) }))
	must(c.Provide(sqlxrepos.NewUserRepository, dig.As(new(user.Repository))))
	must(c.Provide(sqlxrepos.NewSchoolRepository, dig.As(new(school.Repository))))
	must(c.Provide(sqlxrepos.NewExerciseRepository, dig.As(new(exercise.Repository))))
	must(c.Provide(sqlxrepos.NewAttemptRepository, dig.As(new(attempt.Repository))))
	must(c.Provide(sqlxrepos.NewPaymentRepository, dig.As(new(subscription.Repository))))
	must(c.Provide(boiledrepos.NewReportRepository, dig.As(new(report.Repository))))
	must(c.Provide(newCache))

	// external services
	must(c.Provide(newImageStore))
	must(c.Provide(paymentsvc.NewMidtransGateway, dig.As(new(subscription.Gateway))))
	must(c.Provide(newEmailService))
	must(c.Provide(func(svc MailService) core.EmailService { return svc }))

	// core services
	must(c.Provide(user.NewService, dig.As(new(user.ServiceInterface))))
	must(c.Provide(school.NewService, dig.As(new(school.ServiceInterface), new(exercise.EnrollmentChecker))))
	must(c.Provide(exercise.NewService, dig.As(new(exercise.ServiceInterface))))
	must(c.Provide(subscription.NewService, dig.As(new(subscription.ServiceInterface), new(attempt.AccessChecker))))
	must(c.Provide(attempt.NewService, dig.As(new(attempt.ServiceInterface))))
	must(c.Provide(report.NewService, dig.As(new(report.ServiceInterface))))
	must(c.Provide(media.NewService, dig.As(new(media.ServiceInterface))))
	must(c.Provide(newScheduler))

	// api
	must(c.Provide(validator.New))
	must(c.Provide(func() ut.Translator { return core.NewTranslator() }))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
