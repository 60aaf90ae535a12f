/*
scheduler.go - Scheduled ledger maintenance

PURPOSE:
  Triggers the ledger's maintenance operations on a cron schedule. The
  ledger never runs background work itself; this scheduler is one external
  caller among others (the CLI runs the same jobs on demand).

JOBS:
  expire_allocations  Closes active allocations older than the configured
                      TTL and returns their SP to available.
  audit               Replays every member's log per currency and logs any
                      drift from the cached balance. Report only; repair is
                      an explicit admin action.
  stale_timebank      Logs pending timebank exchanges older than the
                      configured age. Report only; no refund path exists.

CONFIGURATION:
  Six-field cron specs (seconds first), see config.SchedulerConfig. An
  empty spec leaves that job unscheduled.

USAGE:
  s, err := NewScheduler(svc, cfg.Scheduler, log, collector)
  s.Start()
  // ... later
  s.Stop()
*/
package api

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
)

// JobRecorder counts job runs; *metrics.Collector implements it.
type JobRecorder interface {
	JobRun(job string, err error)
}

type Scheduler struct {
	cron *cron.Cron
	svc  *ledger.Service
	cfg  config.SchedulerConfig
	log  logrus.FieldLogger
	rec  JobRecorder
	now  func() time.Time
}

func NewScheduler(svc *ledger.Service, cfg config.SchedulerConfig, log logrus.FieldLogger, rec JobRecorder) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		svc:  svc,
		cfg:  cfg,
		log:  log.WithField("component", "scheduler"),
		rec:  rec,
		now:  func() time.Time { return time.Now().UTC() },
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"expire_allocations", cfg.ExpireAllocations, s.ExpireAllocations},
		{"audit", cfg.Audit, s.AuditSweep},
		{"stale_timebank", cfg.StaleTimebank, s.ReportStaleTimebank},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name, run := j.name, j.run
		if _, err := s.cron.AddFunc(j.spec, func() { s.runJob(name, run) }); err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"job": name, "spec": j.spec}).Debug("job scheduled")
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("ledger maintenance scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("ledger maintenance scheduler stopped")
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	started := time.Now()
	err := run(context.Background())
	entry := s.log.WithFields(logrus.Fields{"job": name, "elapsed": time.Since(started)})
	if err != nil {
		entry.WithError(err).Error("job failed")
	} else {
		entry.Info("job finished")
	}
	if s.rec != nil {
		s.rec.JobRun(name, err)
	}
}

// =============================================================================
// JOBS
// =============================================================================

func (s *Scheduler) ExpireAllocations(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.AllocationTTL.Duration)
	results, err := s.svc.ExpireAllocations(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, r := range results {
		s.log.WithFields(logrus.Fields{
			"member_id":   r.Balance.MemberID,
			"allocations": len(r.Allocations),
			"returned":    r.Reclaimed.String(),
		}).Info("allocations expired")
	}
	return nil
}

func (s *Scheduler) AuditSweep(ctx context.Context) error {
	_, err := s.audit(ctx)
	return err
}

// audit returns the number of drifted (member, currency) pairs found.
func (s *Scheduler) audit(ctx context.Context) (int, error) {
	members, err := s.svc.ListMembers(ctx)
	if err != nil {
		return 0, err
	}
	drifted := 0
	for _, m := range members {
		for _, c := range ledger.Currencies {
			report, err := s.svc.AuditBalance(ctx, m, c)
			if err != nil {
				return drifted, err
			}
			if report.Drift {
				drifted++
				s.log.WithFields(logrus.Fields{
					"member_id": m,
					"currency":  c,
					"cached":    report.Cached.Available.String(),
					"replayed":  report.Replayed.Available.String(),
				}).Error("balance cache drifted from transaction log")
			}
		}
	}
	s.log.WithFields(logrus.Fields{"members": len(members), "drifted": drifted}).Info("audit sweep complete")
	return drifted, nil
}

func (s *Scheduler) ReportStaleTimebank(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.StaleTimebankAfter.Duration)
	stale, err := s.svc.StalePendingTimebank(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, tb := range stale {
		s.log.WithFields(logrus.Fields{
			"timebank_id": tb.ID,
			"provider_id": tb.ProviderID,
			"receiver_id": tb.ReceiverID,
			"cost":        tb.Cost.String(),
			"created_at":  tb.CreatedAt,
		}).Warn("timebank exchange still pending")
	}
	return nil
}
