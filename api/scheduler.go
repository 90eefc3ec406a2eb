/*
scheduler.go - Background jobs

JOBS:
  subscription_sweep  Renews or expires subscriptions whose period ended
  reconcile           Settles transfer credits left pending within the
                      settlement window, then rebuilds the supporter
                      rollup from the ledger

  Both jobs are safe to run at any time and any number of times: renewal
  charges and settlement credits carry deterministic reference ids.

USAGE:
  scheduler, err := NewScheduler(handler.Jobs(), "@every 1h", "0 4 * * *")
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual run)
  - subscription/service.go: Sweep
  - leaderboard/aggregator.go: Reconcile
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/leaderboard"
	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/metrics"
	"github.com/streamcity/coin-engine/subscription"
)

const (
	jobSubscriptionSweep = "subscription_sweep"
	jobReconcile         = "reconcile"
)

// Jobs holds the services the background jobs run against.
type Jobs struct {
	Subscriptions    *subscription.Service
	Leaderboard      *leaderboard.Aggregator
	Engine           *ledger.Engine
	SettlementWindow time.Duration
}

// ReconcileSummary is the outcome of one reconcile run.
type ReconcileSummary struct {
	Leaderboard      leaderboard.ReconcileReport `json:"leaderboard"`
	TransfersSettled int                         `json:"transfers_settled"`
}

// SweepSubscriptions runs one subscription sweep.
func (j *Jobs) SweepSubscriptions(ctx context.Context) (subscription.SweepReport, error) {
	report, err := j.Subscriptions.Sweep(ctx)
	metrics.ObserveJob(jobSubscriptionSweep, err)
	return report, err
}

// Reconcile settles pending transfer credits and then rebuilds the
// supporter rollup, so settled gifts are counted.
func (j *Jobs) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	since := time.Now().Add(-j.SettlementWindow)
	settled, settleErr := j.Engine.SettleTransfers(ctx, since)
	summary.TransfersSettled = settled

	report, err := j.Leaderboard.Reconcile(ctx)
	if err != nil {
		err = fmt.Errorf("leaderboard reconcile: %w", err)
	}
	summary.Leaderboard = report

	err = errors.Join(settleErr, err)
	metrics.ObserveJob(jobReconcile, err)
	return summary, err
}

// Scheduler runs the jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs

	sweepSpec     string
	reconcileSpec string
}

// NewScheduler validates the schedules and creates a scheduler in UTC.
// A job still running when its next tick fires skips that tick.
func NewScheduler(jobs *Jobs, sweepSpec, reconcileSpec string) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, spec := range []string{sweepSpec, reconcileSpec} {
		if _, err := parser.Parse(spec); err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
		}
	}
	return &Scheduler{
		cron:          cron.New(
			cron.WithLocation(time.UTC),
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		jobs:          jobs,
		sweepSpec:     sweepSpec,
		reconcileSpec: reconcileSpec,
	}, nil
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.sweepSpec, func() {
		log.Debug("[CRON] Subscription sweep")
		if _, err := s.jobs.SweepSubscriptions(ctx); err != nil {
			log.WithError(err).Error("[CRON] Subscription sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule subscription sweep: %w", err)
	}

	if _, err := s.cron.AddFunc(s.reconcileSpec, func() {
		log.Info("[CRON] Reconciliation")
		summary, err := s.jobs.Reconcile(ctx)
		if err != nil {
			log.WithError(err).Error("[CRON] Reconciliation failed")
			return
		}
		log.WithFields(log.Fields{
			"pairs_changed":     summary.Leaderboard.PairsChanged,
			"coins_corrected":   summary.Leaderboard.CoinsCorrected,
			"transfers_settled": summary.TransfersSettled,
		}).Info("[CRON] Reconciliation finished")
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	s.cron.Start()
	log.WithFields(log.Fields{
		"sweep":     s.sweepSpec,
		"reconcile": s.reconcileSpec,
	}).Info("Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Scheduler stopped")
}
