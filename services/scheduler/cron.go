package schedulersvc

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/classesnumeriques/platform/core"
)

// SubscriptionJobs are the periodic subscription maintenance tasks.
type SubscriptionJobs interface {
	ExpireDue(ctx context.Context) (int, error)
	WarnExpiring(ctx context.Context, days ...int) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	jobs    SubscriptionJobs
	logger  core.Logger
	timeout time.Duration
}

func NewScheduler(jobs SubscriptionJobs, logger core.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		jobs:    jobs,
		logger:  logger,
		timeout: 10 * time.Minute,
	}
}

// Register adds the subscription jobs with the configured cron specs.
func (s *Scheduler) Register(conf *core.Config) error {
	if _, err := s.cron.AddFunc(conf.Scheduler.ExpirySpec, s.ExpireDue); err != nil {
		return errors.Wrapf(err, "scheduling expiry (%q)", conf.Scheduler.ExpirySpec)
	}
	days := conf.Scheduler.WarningDays
	if _, err := s.cron.AddFunc(conf.Scheduler.WarningSpec, func() { s.WarnExpiring(days...) }); err != nil {
		return errors.Wrapf(err, "scheduling expiry warnings (%q)", conf.Scheduler.WarningSpec)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling new runs and waits for the running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) ExpireDue() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.jobs.ExpireDue(ctx)
	if err != nil {
		s.logger.Error(fmt.Sprintf("expiring subscriptions: %v", err), err)
		return
	}
	if n > 0 {
		s.logger.Info(fmt.Sprintf("%d subscription(s) expired", n))
	}
}

func (s *Scheduler) WarnExpiring(days ...int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.jobs.WarnExpiring(ctx, days...)
	if err != nil {
		s.logger.Error(fmt.Sprintf("warning expiring subscriptions: %v", err), err)
		return
	}
	if n > 0 {
		s.logger.Info(fmt.Sprintf("%d expiry warning(s) sent", n))
	}
}
