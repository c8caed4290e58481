package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/metrics"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/internal/chain"
	"github.com/ekmloo/phoenix/pkg/logger"
)

// PayoutRetrier re-runs pending fee and commission followups in the
// background. A followup is abandoned after maxAttempts permanent failures;
// transient failures retry forever.
type PayoutRetrier struct {
	followups   storage.FollowupStore
	pipeline    *Pipeline
	metrics     *metrics.Metrics
	log         *logger.Logger
	interval    time.Duration
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPayoutRetrier(followups storage.FollowupStore, pipeline *Pipeline, m *metrics.Metrics, interval time.Duration, maxAttempts int, log *logger.Logger) *PayoutRetrier {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if log == nil {
		log = logger.NewDefault("payout-retrier")
	}
	return &PayoutRetrier{
		followups:   followups,
		pipeline:    pipeline,
		metrics:     m,
		log:         log,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (r *PayoutRetrier) Name() string { return "payout-retrier" }

func (r *PayoutRetrier) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sweep(runCtx)
			}
		}
	}()
	return nil
}

func (r *PayoutRetrier) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweep retries every pending followup once.
func (r *PayoutRetrier) sweep(ctx context.Context) {
	pending, err := r.followups.ListPendingFollowups(ctx)
	if err != nil {
		r.log.WithError(err).Error("list pending followups")
		return
	}
	if r.metrics != nil {
		r.metrics.FollowupsPending.Set(float64(len(pending)))
	}

	for _, f := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.retry(ctx, f)
	}
}

func (r *PayoutRetrier) retry(ctx context.Context, f transfer.Followup) {
	err := r.pipeline.SubmitOperation(ctx, f.Ref, f.Op)
	f.Attempts++

	switch {
	case err == nil:
		f.Status = transfer.FollowupCompleted
		f.LastError = ""
	case errors.Is(err, chain.ErrRejected) && f.Attempts >= r.maxAttempts:
		f.Status = transfer.FollowupAbandoned
		f.LastError = err.Error()
		r.log.WithError(err).
			WithField("intent_id", f.IntentID).
			WithField("attempts", f.Attempts).
			Error("followup abandoned")
	default:
		f.LastError = err.Error()
	}

	if _, uerr := r.followups.UpdateFollowup(ctx, f); uerr != nil {
		r.log.WithError(uerr).Error("update followup")
	}
}
