package main

import (
	"log"
	"os"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/attempt"
	"github.com/classesnumeriques/platform/core/exercise"
	"github.com/classesnumeriques/platform/core/school"
	"github.com/classesnumeriques/platform/core/subscription"
	"github.com/classesnumeriques/platform/core/user"
	"github.com/classesnumeriques/platform/services/cache"
	emailsvc "github.com/classesnumeriques/platform/services/email"
	logsvc "github.com/classesnumeriques/platform/services/logger"
	paymentsvc "github.com/classesnumeriques/platform/services/payment"
	"github.com/classesnumeriques/platform/storage/database"
	sqlxrepos "github.com/classesnumeriques/platform/storage/database/sqlx"
)

var logger *log.Logger

type mailService interface {
	core.EmailService
	Wait()
}

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	conf := core.Conf

	appLogger := logsvc.NewRollbarLogger(logger, conf)
	appLogger.Enable(!conf.Debug)
	core.ParseEmailTemplates(appLogger)

	var mailSvc mailService = emailsvc.NewSendgridService(appLogger)
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(appLogger)
	}

	// set up DB
	db, err := database.Open(conf)
	errAndDie(err)

	// set up repos & services
	tx := database.NewTransactor(db)
	usrRepo := sqlxrepos.NewUserRepository(db)
	usrSvc := user.NewService(usrRepo, mailSvc)
	schoolSvc := school.NewService(sqlxrepos.NewSchoolRepository(db))
	exSvc := exercise.NewService(sqlxrepos.NewExerciseRepository(db), schoolSvc, cache.NewMemoryCache(), appLogger)
	subSvc := subscription.NewService(
		sqlxrepos.NewPaymentRepository(db), tx, usrSvc, schoolSvc, paymentsvc.NewMidtransGateway(conf), mailSvc, appLogger,
	)
	attSvc := attempt.NewService(sqlxrepos.NewAttemptRepository(db), tx, exSvc, subSvc)

	// start CLI
	cli := commandLine{
		db:      db.DB,
		usrRepo: usrRepo,
		exSvc:   exSvc,
		attSvc:  attSvc,
		subSvc:  subSvc,
		out:     os.Stdout,
	}
	err = cli.run(os.Args)
	mailSvc.Wait()
	db.Close()
	if err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
