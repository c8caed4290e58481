// Package scheduler arms and fires durable scheduled transfers, including
// recurring jobs and auxiliary-wallet bump loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	domaintransfer "github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/metrics"
	"github.com/ekmloo/phoenix/internal/app/services/feepolicy"
	"github.com/ekmloo/phoenix/internal/app/services/transfer"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/pkg/logger"
)

var (
	// ErrInvalidCadence is returned for cron expressions that do not parse.
	ErrInvalidCadence = errors.New("invalid cadence")
	// ErrAuxWalletRequired is returned when a bump job is requested without
	// an auxiliary wallet.
	ErrAuxWalletRequired = errors.New("auxiliary wallet required")
)

// Executor runs one transfer to completion. The transfer service
// implements it.
type Executor interface {
	Execute(ctx context.Context, req transfer.ExecuteRequest) (domaintransfer.Intent, domaintransfer.Receipt, error)
}

// Config tunes the firing loop. Zero values fall back to defaults.
type Config struct {
	PollInterval time.Duration
}

// Service owns the job table and the firing loop. It implements the
// system service lifecycle.
type Service struct {
	jobs     storage.JobStore
	accounts storage.AccountStore
	executor Executor
	fees     *feepolicy.Service
	metrics  *metrics.Metrics
	log      *logger.Logger

	operatorAddr string
	interval     time.Duration
	parser       cron.Parser

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(jobs storage.JobStore, accounts storage.AccountStore, executor Executor, fees *feepolicy.Service, m *metrics.Metrics, operatorAddr string, cfg Config, log *logger.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Service{
		jobs:         jobs,
		accounts:     accounts,
		executor:     executor,
		fees:         fees,
		metrics:      m,
		log:          log,
		operatorAddr: operatorAddr,
		interval:     cfg.PollInterval,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom |
			cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Name() string { return "scheduler" }

// Start reloads armed jobs and begins the firing loop. Jobs whose next run
// passed while the service was down fire on the first tick.
func (s *Service) Start(ctx context.Context) error {
	armed, err := s.jobs.ListArmedJobs(ctx)
	if err != nil {
		return fmt.Errorf("reload armed jobs: %w", err)
	}
	s.log.WithField("count", len(armed)).Info("armed jobs reloaded")
	if s.metrics != nil {
		s.metrics.JobsArmed.Set(float64(len(armed)))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx, time.Now().UTC())
			}
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextRun parses the cadence and returns the first fire time after now.
func (s *Service) nextRun(cadence string, now time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cadence)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidCadence, cadence, err)
	}
	return sched.Next(now), nil
}

// ScheduleOnce arms a one-shot transfer.
func (s *Service) ScheduleOnce(ctx context.Context, accountID, destination string, amount int64, fireAt time.Time) (schedule.Job, error) {
	if amount <= 0 {
		return schedule.Job{}, fmt.Errorf("%w: amount %d", feepolicy.ErrInvalidAmount, amount)
	}
	now := time.Now().UTC()
	if !fireAt.After(now) {
		return schedule.Job{}, fmt.Errorf("fire time %s is in the past", fireAt.Format(time.RFC3339))
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return schedule.Job{}, err
	}
	if !acct.HasWallet() {
		return schedule.Job{}, transfer.ErrNoWallet
	}

	job, err := s.jobs.UpsertJob(ctx, schedule.Job{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Source:      acct.PublicAddress,
		Destination: destination,
		Amount:      amount,
		Tier:        string(feepolicy.TierScheduled),
		Kind:        schedule.KindOnce,
		FireAt:      fireAt,
		NextRun:     fireAt,
		Status:      schedule.StatusArmed,
	})
	if err != nil {
		return schedule.Job{}, fmt.Errorf("arm job: %w", err)
	}
	s.log.WithField("job_id", job.ID).
		WithField("fire_at", fireAt.Format(time.RFC3339)).
		Info("one-shot job armed")
	return job, nil
}

// ScheduleRecurring arms a recurring transfer. The job ID is derived from
// the account, destination and cadence, so re-issuing the same schedule
// re-arms the existing job instead of duplicating it.
func (s *Service) ScheduleRecurring(ctx context.Context, accountID, destination string, amount int64, cadence string) (schedule.Job, error) {
	if amount <= 0 {
		return schedule.Job{}, fmt.Errorf("%w: amount %d", feepolicy.ErrInvalidAmount, amount)
	}
	next, err := s.nextRun(cadence, time.Now().UTC())
	if err != nil {
		return schedule.Job{}, err
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return schedule.Job{}, err
	}
	if !acct.HasWallet() {
		return schedule.Job{}, transfer.ErrNoWallet
	}

	job, err := s.jobs.UpsertJob(ctx, schedule.Job{
		ID:          schedule.DeterministicID(accountID, destination, cadence),
		AccountID:   accountID,
		Source:      acct.PublicAddress,
		Destination: destination,
		Amount:      amount,
		Tier:        string(feepolicy.TierScheduled),
		Kind:        schedule.KindRecurring,
		Cadence:     cadence,
		NextRun:     next,
		Status:      schedule.StatusArmed,
	})
	if err != nil {
		return schedule.Job{}, fmt.Errorf("arm job: %w", err)
	}
	s.log.WithField("job_id", job.ID).
		WithField("cadence", cadence).
		Info("recurring job armed")
	return job, nil
}

// StartBump arms a bump loop trading between the auxiliary wallet and the
// destination. The flat activation fee is charged up front from the main
// wallet.
func (s *Service) StartBump(ctx context.Context, accountID, destination, cadence string) (schedule.Job, error) {
	next, err := s.nextRun(cadence, time.Now().UTC())
	if err != nil {
		return schedule.Job{}, err
	}

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return schedule.Job{}, err
	}
	if !acct.HasWallet() {
		return schedule.Job{}, transfer.ErrNoWallet
	}
	if acct.AuxAddress == "" {
		return schedule.Job{}, ErrAuxWalletRequired
	}
	if s.operatorAddr == "" {
		return schedule.Job{}, fmt.Errorf("no operator address configured for activation fee")
	}

	if _, _, err := s.executor.Execute(ctx, transfer.ExecuteRequest{
		AccountID:   accountID,
		Destination: s.operatorAddr,
		Amount:      s.fees.BumpActivationFee(),
		Tier:        feepolicy.TierImmediate,
	}); err != nil {
		return schedule.Job{}, fmt.Errorf("charge activation fee: %w", err)
	}

	job, err := s.jobs.UpsertJob(ctx, schedule.Job{
		ID:          schedule.DeterministicID(accountID, destination, "bump:"+cadence),
		AccountID:   accountID,
		Source:      acct.AuxAddress,
		Destination: destination,
		Amount:      s.fees.BumpTradeAmount(),
		Tier:        string(feepolicy.TierScheduled),
		Kind:        schedule.KindBump,
		Cadence:     cadence,
		NextRun:     next,
		Status:      schedule.StatusArmed,
	})
	if err != nil {
		return schedule.Job{}, fmt.Errorf("arm job: %w", err)
	}
	s.log.WithField("job_id", job.ID).Info("bump job armed")
	return job, nil
}

// Cancel disarms a job. Cancelling a job that already completed or was
// cancelled is a no-op; cancelling mid-fire lets the in-flight occurrence
// finish and stops every tick after it.
func (s *Service) Cancel(ctx context.Context, accountID, jobID string) (schedule.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return schedule.Job{}, err
	}
	if job.AccountID != accountID {
		return schedule.Job{}, fmt.Errorf("job %s does not belong to account %s", jobID, accountID)
	}
	if job.Status == schedule.StatusCancelled || job.Status == schedule.StatusCompleted {
		return job, nil
	}
	job.Status = schedule.StatusCancelled
	return s.jobs.UpdateJob(ctx, job)
}

// Jobs lists an account's jobs.
func (s *Service) Jobs(ctx context.Context, accountID string) ([]schedule.Job, error) {
	return s.jobs.ListJobs(ctx, accountID)
}

// Tick fires every due job once. It is the body of the poll loop, exposed
// for deterministic tests.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	due, err := s.jobs.ListDueJobs(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("list due jobs")
		return
	}
	for _, job := range due {
		claimed, ok, err := s.jobs.ClaimJob(ctx, job.ID)
		if err != nil {
			s.log.WithError(err).WithField("job_id", job.ID).Error("claim job")
			continue
		}
		if !ok {
			// Lost the claim to a concurrent tick.
			continue
		}
		s.fire(ctx, claimed, now)
	}

	if s.metrics != nil {
		if armed, err := s.jobs.ListArmedJobs(ctx); err == nil {
			s.metrics.JobsArmed.Set(float64(len(armed)))
		}
	}
}

// fire executes one claimed job occurrence and re-arms or completes it.
func (s *Service) fire(ctx context.Context, job schedule.Job, now time.Time) {
	req := transfer.ExecuteRequest{
		AccountID:    job.AccountID,
		Source:       job.Source,
		Destination:  job.Destination,
		Amount:       job.Amount,
		Tier:         feepolicy.Tier(job.Tier),
		JobID:        job.ID,
		ScheduledFor: &job.NextRun,
	}
	if job.Kind == schedule.KindBump && job.BumpPhase == 1 {
		// Sell phase tops the auxiliary wallet back up from the main wallet.
		if acct, err := s.accounts.GetAccount(ctx, job.AccountID); err == nil {
			req.Source = acct.PublicAddress
			req.Destination = job.Source
		}
	}

	_, _, err := s.executor.Execute(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		s.log.WithError(err).
			WithField("job_id", job.ID).
			WithField("occurrence", job.Occurrence+1).
			Warn("scheduled transfer failed")
	}
	if s.metrics != nil {
		s.metrics.JobsFiredTotal.WithLabelValues(outcome).Inc()
	}

	job.Occurrence++
	job.LastRun = now

	switch job.Kind {
	case schedule.KindOnce:
		job.Status = schedule.StatusCompleted
	case schedule.KindBump:
		job.BumpPhase = 1 - job.BumpPhase
		fallthrough
	case schedule.KindRecurring:
		next, perr := s.nextRun(job.Cadence, now)
		if perr != nil {
			s.log.WithError(perr).WithField("job_id", job.ID).Error("re-arm failed")
			job.Status = schedule.StatusCompleted
			break
		}
		job.NextRun = next
		job.Status = schedule.StatusArmed
	}

	// A cancellation that landed while this occurrence was firing wins over
	// the re-arm; the occurrence itself is never rolled back.
	if current, cerr := s.jobs.GetJob(ctx, job.ID); cerr == nil && current.Status == schedule.StatusCancelled {
		job.Status = schedule.StatusCancelled
	}

	if _, err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("persist job state")
	}
}
