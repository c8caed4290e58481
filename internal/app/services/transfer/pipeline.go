package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/services/vault"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/internal/chain"
	"github.com/ekmloo/phoenix/pkg/logger"
)

var (
	// ErrInsufficientFunds is returned when the source balance cannot cover
	// the principal, fee and network reserve at submission time.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConfirmationTimeout is returned when a submitted transfer did not
	// reach a terminal ledger state within the confirmation window.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)

// Signer produces ledger signatures for operations. The vault implements it.
type Signer interface {
	SignOperation(ctx context.Context, ref string, op transfer.Operation) (vault.Signature, error)
}

// PipelineConfig tunes submission retry and confirmation behavior. Zero
// values fall back to defaults.
type PipelineConfig struct {
	MaxSubmitAttempts int
	RetryBaseDelay    time.Duration
	ConfirmTimeout    time.Duration
	PollInterval      time.Duration
}

func (c *PipelineConfig) applyDefaults() {
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 90 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Pipeline drives one operation set from built to a terminal receipt state.
// The principal is submitted first and must confirm before any fee or
// commission moves; fee and commission failures degrade to followups rather
// than failing the intent.
type Pipeline struct {
	chain     chain.Client
	signer    Signer
	receipts  storage.ReceiptStore
	followups storage.FollowupStore
	log       *logger.Logger
	cfg       PipelineConfig
}

func NewPipeline(chainClient chain.Client, signer Signer, receipts storage.ReceiptStore, followups storage.FollowupStore, cfg PipelineConfig, log *logger.Logger) *Pipeline {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("pipeline")
	}
	return &Pipeline{
		chain:     chainClient,
		signer:    signer,
		receipts:  receipts,
		followups: followups,
		log:       log,
		cfg:       cfg,
	}
}

// Run executes the set. required is the minimum source balance, including
// the network reserve. On success the returned receipt is confirmed; the
// set's fee and commission operations have either settled or been recorded
// as pending followups.
func (p *Pipeline) Run(ctx context.Context, set transfer.OperationSet, required int64) (transfer.Receipt, error) {
	principal, ok := set.Principal()
	if !ok {
		return transfer.Receipt{}, fmt.Errorf("operation set %s has no principal", set.Ref)
	}

	// A receipt already past submission means this set ran before; never
	// submit the principal twice.
	prior, priorErr := p.receipts.GetReceiptByRef(ctx, set.Ref)
	if priorErr == nil {
		switch prior.Status {
		case transfer.ReceiptConfirmed:
			return prior, nil
		case transfer.ReceiptSubmitted:
			return p.awaitConfirmation(ctx, prior)
		}
	}

	balance, err := p.chain.GetBalance(ctx, principal.Source)
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("check balance: %w", err)
	}
	if balance < required {
		return transfer.Receipt{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, balance, required)
	}

	var rcpt transfer.Receipt
	if priorErr == nil {
		// A rejected or timed-out attempt left a row behind; the ref column
		// is unique, so the retry reuses it instead of inserting.
		prior.Status = transfer.ReceiptBuilt
		prior.TxID = ""
		prior.Error = ""
		rcpt, err = p.receipts.UpdateReceipt(ctx, prior)
	} else {
		rcpt, err = p.receipts.CreateReceipt(ctx, transfer.Receipt{
			IntentID: set.IntentID,
			Ref:      set.Ref,
			Status:   transfer.ReceiptBuilt,
		})
	}
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("create receipt: %w", err)
	}

	opRef := OpRef(set.Ref, principal.Kind)
	sig, err := p.signer.SignOperation(ctx, opRef, principal)
	if err != nil {
		return p.fail(ctx, rcpt, transfer.ReceiptRejected, err)
	}
	rcpt.Status = transfer.ReceiptSigned
	if rcpt, err = p.receipts.UpdateReceipt(ctx, rcpt); err != nil {
		return transfer.Receipt{}, fmt.Errorf("update receipt: %w", err)
	}

	txID, err := p.submitWithRetry(ctx, chain.SignedTransfer{
		Source:      principal.Source,
		Destination: principal.Destination,
		Amount:      principal.Amount,
		Ref:         opRef,
		PublicKey:   sig.PublicKey,
		Signature:   sig.Signature,
	})
	if err != nil {
		status := transfer.ReceiptRejected
		if errors.Is(err, chain.ErrNetwork) {
			status = transfer.ReceiptTimedOut
		}
		return p.fail(ctx, rcpt, status, err)
	}

	rcpt.TxID = txID
	rcpt.Status = transfer.ReceiptSubmitted
	rcpt.SubmittedAt = time.Now().UTC()
	if rcpt, err = p.receipts.UpdateReceipt(ctx, rcpt); err != nil {
		return transfer.Receipt{}, fmt.Errorf("update receipt: %w", err)
	}

	rcpt, err = p.awaitConfirmation(ctx, rcpt)
	if err != nil {
		return rcpt, err
	}

	p.settleRemainder(ctx, set)
	return rcpt, nil
}

// submitWithRetry retries transient network failures with exponential
// backoff. Permanent rejections surface immediately.
func (p *Pipeline) submitWithRetry(ctx context.Context, tx chain.SignedTransfer) (string, error) {
	delay := p.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxSubmitAttempts; attempt++ {
		txID, err := p.chain.SubmitTransfer(ctx, tx)
		if err == nil {
			return txID, nil
		}
		if !errors.Is(err, chain.ErrNetwork) {
			return "", err
		}
		lastErr = err
		if attempt == p.cfg.MaxSubmitAttempts {
			break
		}
		p.log.WithError(err).
			WithField("ref", tx.Ref).
			WithField("attempt", attempt).
			Warn("submission failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}

func (p *Pipeline) awaitConfirmation(ctx context.Context, rcpt transfer.Receipt) (transfer.Receipt, error) {
	deadline := time.Now().Add(p.cfg.ConfirmTimeout)
	for {
		status, err := p.chain.GetStatus(ctx, rcpt.TxID)
		if err == nil {
			switch status {
			case chain.TxConfirmed:
				rcpt.Status = transfer.ReceiptConfirmed
				rcpt.ConfirmedAt = time.Now().UTC()
				return p.receipts.UpdateReceipt(ctx, rcpt)
			case chain.TxFailed:
				return p.fail(ctx, rcpt, transfer.ReceiptRejected, fmt.Errorf("%w: transaction failed", chain.ErrRejected))
			}
		} else if !errors.Is(err, chain.ErrNetwork) && !errors.Is(err, chain.ErrNotFound) {
			return p.fail(ctx, rcpt, transfer.ReceiptRejected, err)
		}

		if time.Now().After(deadline) {
			rcpt, _ = p.fail(ctx, rcpt, transfer.ReceiptTimedOut, ErrConfirmationTimeout)
			return rcpt, ErrConfirmationTimeout
		}
		select {
		case <-ctx.Done():
			return rcpt, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// settleRemainder submits the fee and commission operations. Failures are
// logged and parked as followups for the payout retrier.
func (p *Pipeline) settleRemainder(ctx context.Context, set transfer.OperationSet) {
	for _, op := range set.Ops {
		if op.Kind == transfer.OpPrincipal {
			continue
		}
		if err := p.SubmitOperation(ctx, OpRef(set.Ref, op.Kind), op); err != nil {
			p.log.WithError(err).
				WithField("intent_id", set.IntentID).
				WithField("kind", string(op.Kind)).
				Warn("payout deferred to followup")
			if _, ferr := p.followups.CreateFollowup(ctx, transfer.Followup{
				IntentID:  set.IntentID,
				Ref:       OpRef(set.Ref, op.Kind),
				Op:        op,
				Status:    transfer.FollowupPending,
				LastError: err.Error(),
			}); ferr != nil {
				p.log.WithError(ferr).Error("record followup")
			}
		}
	}
}

// SubmitOperation signs and submits a single fee or commission operation
// and waits for it to leave the pending state. The payout retrier reuses it.
func (p *Pipeline) SubmitOperation(ctx context.Context, ref string, op transfer.Operation) error {
	sig, err := p.signer.SignOperation(ctx, ref, op)
	if err != nil {
		return err
	}
	txID, err := p.submitWithRetry(ctx, chain.SignedTransfer{
		Source:      op.Source,
		Destination: op.Destination,
		Amount:      op.Amount,
		Ref:         ref,
		PublicKey:   sig.PublicKey,
		Signature:   sig.Signature,
	})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(p.cfg.ConfirmTimeout)
	for {
		status, serr := p.chain.GetStatus(ctx, txID)
		if serr == nil {
			switch status {
			case chain.TxConfirmed:
				return nil
			case chain.TxFailed:
				return fmt.Errorf("%w: payout failed", chain.ErrRejected)
			}
		}
		if time.Now().After(deadline) {
			return ErrConfirmationTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pipeline) fail(ctx context.Context, rcpt transfer.Receipt, status transfer.ReceiptStatus, cause error) (transfer.Receipt, error) {
	rcpt.Status = status
	rcpt.Error = cause.Error()
	updated, err := p.receipts.UpdateReceipt(ctx, rcpt)
	if err != nil {
		p.log.WithError(err).Error("persist receipt failure state")
		return rcpt, cause
	}
	return updated, cause
}
