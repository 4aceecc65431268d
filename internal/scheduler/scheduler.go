// Package scheduler drives the calendar: per-sleeve weekly entry windows,
// daily reconciliation, the weekly hedge budget reset and the nightly
// backup. It translates the Constitution's schedules into cron entries in
// exchange time and hands the actual work to the processor or directly to
// the owning service.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/constitution"
	"github.com/aristath/warden/internal/domain"
)

const (
	// reconcileSpec fires shortly after the open so the day starts from a
	// broker-verified state.
	reconcileSpec = "35 9 * * MON-FRI"
	// backupSpec fires well after the close.
	backupSpec = "0 18 * * MON-FRI"
	// hedgeResetSpec starts each weekly hedge budget period.
	hedgeResetSpec = "0 0 * * MON"
)

// Enqueuer queues background work by type ID. Satisfied by *work.Processor.
type Enqueuer interface {
	Enqueue(typeID string) error
}

// BudgetResetter starts a new hedge budget period. Satisfied by
// *hedging.Manager.
type BudgetResetter interface {
	ResetBudgetPeriod()
}

// EntryFunc opens the weekly entry window for one sleeve.
type EntryFunc func(ctx context.Context, sleeve domain.Sleeve)

// Scheduler owns the cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New builds the scheduler from the Constitution's sleeves. entry may be
// nil when no entry windows are wanted (standalone tooling).
func New(
	doc *constitution.Document,
	sleeves []domain.Sleeve,
	workQueue Enqueuer,
	hedging BudgetResetter,
	entry EntryFunc,
	log zerolog.Logger,
) (*Scheduler, error) {
	location, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfig, err, "load exchange timezone")
	}

	logger := log.With().Str("service", "scheduler").Logger()
	runner := cron.New(cron.WithLocation(location))
	s := &Scheduler{cron: runner, log: logger}

	if entry != nil {
		for _, sleeve := range sleeves {
			policy, ok := doc.Sleeve(sleeve)
			if !ok {
				return nil, domain.Errorf(domain.ErrUnknownSleeve, "sleeve %s has no policy", sleeve)
			}
			spec, err := entrySpec(policy.Schedule)
			if err != nil {
				return nil, err
			}
			sleeve := sleeve
			if _, err := runner.AddFunc(spec, func() {
				logger.Info().Str("sleeve", string(sleeve)).Msg("Entry window opened")
				entry(context.Background(), sleeve)
			}); err != nil {
				return nil, domain.WrapError(domain.ErrConfig, err, "schedule entry window")
			}
		}
	}

	jobs := []struct {
		spec string
		name string
		run  func()
	}{
		{reconcileSpec, "reconciliation", func() { s.enqueue(workQueue, "reconciliation") }},
		{backupSpec, "backup", func() { s.enqueue(workQueue, "backup") }},
		{hedgeResetSpec, "hedge_budget_reset", func() {
			hedging.ResetBudgetPeriod()
			logger.Info().Msg("Hedge budget period started")
		}},
	}
	for _, job := range jobs {
		if _, err := runner.AddFunc(job.spec, job.run); err != nil {
			return nil, domain.WrapError(domain.ErrConfig, err, "schedule "+job.name)
		}
	}

	return s, nil
}

func (s *Scheduler) enqueue(q Enqueuer, typeID string) {
	if q == nil {
		return
	}
	if err := q.Enqueue(typeID); err != nil {
		s.log.Error().Err(err).Str("work_type", typeID).Msg("Failed to enqueue scheduled work")
	}
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("entries", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop halts the runner and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// entrySpec converts a weekly schedule's window start into a cron spec.
func entrySpec(ws constitution.WeeklySchedule) (string, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(ws.WindowStart, "%d:%d", &hh, &mm); err != nil {
		return "", domain.Errorf(domain.ErrConfig, "bad window start %q: %v", ws.WindowStart, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return "", domain.Errorf(domain.ErrConfig, "window start %q out of range", ws.WindowStart)
	}
	return fmt.Sprintf("%d %d * * %d", mm, hh, int(ws.Weekday)), nil
}
