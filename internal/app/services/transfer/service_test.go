package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/services/feepolicy"
	"github.com/ekmloo/phoenix/internal/app/services/vault"
	"github.com/ekmloo/phoenix/internal/app/storage/memory"
	"github.com/ekmloo/phoenix/internal/chain"
	"github.com/ekmloo/phoenix/pkg/logger"
)

type recordedCommission struct {
	PayerID    string
	ReferrerID string
	IntentID   string
	Amount     int64
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedCommission
}

func (r *fakeRecorder) RecordCommission(_ context.Context, payerID, referrerID, intentID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedCommission{payerID, referrerID, intentID, amount})
	return nil
}

type engine struct {
	store    *memory.Store
	ledger   *chain.Mock
	keys     *vault.Service
	fees     *feepolicy.Service
	pipeline *Pipeline
	svc      *Service
	recorder *fakeRecorder
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store := memory.New()
	ledger := chain.NewMock()
	log := logger.NewDefault("transfer-test")

	keys, err := vault.New(store, bytes.Repeat([]byte{0x42}, 32), bytes.Repeat([]byte{0x07}, 32), log)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	fees, err := feepolicy.New(feepolicy.Config{})
	if err != nil {
		t.Fatalf("feepolicy.New: %v", err)
	}

	pipeline := NewPipeline(ledger, keys, store, store, PipelineConfig{
		MaxSubmitAttempts: 3,
		RetryBaseDelay:    time.Millisecond,
		ConfirmTimeout:    2 * time.Second,
		PollInterval:      time.Millisecond,
	}, log)

	recorder := &fakeRecorder{}
	svc := NewService(store, store, fees, pipeline, ledger, recorder, nil, nil, keys.OperatorAddress(), log)
	return &engine{store: store, ledger: ledger, keys: keys, fees: fees, pipeline: pipeline, svc: svc, recorder: recorder}
}

// wallet creates a funded custodial wallet and returns its address.
func (e *engine) wallet(t *testing.T, accountID string, balance int64) string {
	t.Helper()
	addr, err := e.keys.CreateWallet(context.Background(), accountID)
	if err != nil {
		t.Fatalf("CreateWallet(%s): %v", accountID, err)
	}
	if balance > 0 {
		e.ledger.Fund(addr, balance)
	}
	return addr
}

func TestExecuteCompletesTransfer(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	principal := int64(10 * transfer.BaseUnitsPerUnit)
	fee := principal * 10 / 10_000
	src := e.wallet(t, "alice", principal+fee+5_000)

	intent, rcpt, err := e.svc.Execute(ctx, ExecuteRequest{
		AccountID:   "alice",
		Destination: "feedface",
		Amount:      principal,
		Tier:        feepolicy.TierImmediate,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if intent.Status != transfer.StatusCompleted {
		t.Fatalf("intent status = %s, want completed", intent.Status)
	}
	if rcpt.Status != transfer.ReceiptConfirmed {
		t.Fatalf("receipt status = %s, want confirmed", rcpt.Status)
	}
	if got := e.ledger.Balance("feedface"); got != principal {
		t.Fatalf("destination balance = %d, want %d", got, principal)
	}
	if got := e.ledger.Balance(e.keys.OperatorAddress()); got != fee {
		t.Fatalf("operator balance = %d, want fee %d", got, fee)
	}
	if got := e.ledger.Balance(src); got != 5_000 {
		t.Fatalf("source balance = %d, want network reserve 5000", got)
	}

	acct, err := e.store.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.PaidVolume != principal {
		t.Fatalf("paid volume = %d, want %d", acct.PaidVolume, principal)
	}
}

func TestExecuteInsufficientFunds(t *testing.T) {
	e := newEngine(t)
	e.wallet(t, "alice", 1_000)

	intent, _, err := e.svc.Execute(context.Background(), ExecuteRequest{
		AccountID:   "alice",
		Destination: "feedface",
		Amount:      transfer.BaseUnitsPerUnit,
		Tier:        feepolicy.TierImmediate,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}
	if intent.Status != transfer.StatusFailed {
		t.Fatalf("intent status = %s, want failed", intent.Status)
	}
	if intent.Error == "" {
		t.Fatal("failed intent must carry the error")
	}
}

func TestExecuteRequiresWallet(t *testing.T) {
	e := newEngine(t)
	if _, err := e.store.CreateAccount(context.Background(), account.Account{ID: "bob"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, _, err := e.svc.Execute(context.Background(), ExecuteRequest{
		AccountID:   "bob",
		Destination: "feedface",
		Amount:      1_000,
		Tier:        feepolicy.TierImmediate,
	})
	if !errors.Is(err, ErrNoWallet) {
		t.Fatalf("error = %v, want ErrNoWallet", err)
	}
}

func TestConcurrentExecutesCannotOverdraw(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	principal := int64(transfer.BaseUnitsPerUnit)
	fee := principal * 10 / 10_000
	// Exactly enough for one transfer.
	e.wallet(t, "alice", principal+fee+5_000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = e.svc.Execute(ctx, ExecuteRequest{
				AccountID:   "alice",
				Destination: "feedface",
				Amount:      principal,
				Tier:        feepolicy.TierImmediate,
			})
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("got %d successes and %d shortfalls, want exactly 1 of each", ok, short)
	}
	if got := e.ledger.Balance("feedface"); got != principal {
		t.Fatalf("destination balance = %d, want a single principal %d", got, principal)
	}
}

func TestPipelineRetriesTransientFailures(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	principal := int64(transfer.BaseUnitsPerUnit)
	e.wallet(t, "alice", 2*principal)
	e.ledger.FailSubmissions(2, nil)

	_, rcpt, err := e.svc.Execute(ctx, ExecuteRequest{
		AccountID:   "alice",
		Destination: "feedface",
		Amount:      principal,
		Tier:        feepolicy.TierImmediate,
	})
	if err != nil {
		t.Fatalf("Execute after transient failures: %v", err)
	}
	if rcpt.Status != transfer.ReceiptConfirmed {
		t.Fatalf("receipt status = %s, want confirmed", rcpt.Status)
	}
}

func TestPipelineReplayDoesNotResubmit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	src := e.wallet(t, "alice", 10*transfer.BaseUnitsPerUnit)
	intent := transfer.Intent{
		ID:          "intent-replay",
		AccountID:   "alice",
		Source:      src,
		Destination: "feedface",
		Amount:      transfer.BaseUnitsPerUnit,
	}
	quote := transfer.FeeQuote{Principal: intent.Amount, Tier: string(feepolicy.TierImmediate)}
	set, err := Compose(intent, quote, e.keys.OperatorAddress(), "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	first, err := e.pipeline.Run(ctx, set, intent.Amount)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := e.pipeline.Run(ctx, set, intent.Amount)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.TxID != first.TxID {
		t.Fatalf("replay produced a new transaction: %s vs %s", second.TxID, first.TxID)
	}
	if got := e.ledger.Balance("feedface"); got != intent.Amount {
		t.Fatalf("destination balance = %d, want a single principal %d", got, intent.Amount)
	}
}

func TestPipelineRetryAfterExhaustedAttemptsReusesReceipt(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	src := e.wallet(t, "alice", 10*transfer.BaseUnitsPerUnit)
	intent := transfer.Intent{
		ID:          "intent-retry",
		AccountID:   "alice",
		Source:      src,
		Destination: "feedface",
		Amount:      transfer.BaseUnitsPerUnit,
	}
	quote := transfer.FeeQuote{Principal: intent.Amount, Tier: string(feepolicy.TierImmediate)}
	set, err := Compose(intent, quote, e.keys.OperatorAddress(), "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	// Exhaust every submit attempt so the first run ends timed out.
	e.ledger.FailSubmissions(3, nil)
	first, err := e.pipeline.Run(ctx, set, intent.Amount)
	if err == nil {
		t.Fatal("expected the first run to fail")
	}
	if first.Status != transfer.ReceiptTimedOut {
		t.Fatalf("first receipt status = %s, want timed_out", first.Status)
	}

	// The retry must reuse the ref's receipt row rather than insert a
	// second one; the ref column is unique in the postgres store.
	second, err := e.pipeline.Run(ctx, set, intent.Amount)
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if second.Status != transfer.ReceiptConfirmed {
		t.Fatalf("retry receipt status = %s, want confirmed", second.Status)
	}
	if second.ID != first.ID {
		t.Fatalf("retry created receipt %s, want reused %s", second.ID, first.ID)
	}
	if got := e.ledger.Balance("feedface"); got != intent.Amount {
		t.Fatalf("destination balance = %d, want %d", got, intent.Amount)
	}
}

func TestExecuteRecordsCommission(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	refAddr := e.wallet(t, "ref", 0)
	e.wallet(t, "alice", 20*transfer.BaseUnitsPerUnit)

	acct, err := e.store.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	acct.ReferredBy = "ref"
	if _, err := e.store.UpdateAccount(ctx, acct); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}

	principal := int64(10 * transfer.BaseUnitsPerUnit)
	intent, _, err := e.svc.Execute(ctx, ExecuteRequest{
		AccountID:   "alice",
		Destination: "feedface",
		Amount:      principal,
		Tier:        feepolicy.TierImmediate,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fee := principal * 10 / 10_000
	share := fee / 2
	if got := e.ledger.Balance(refAddr); got != share {
		t.Fatalf("referrer balance = %d, want %d", got, share)
	}
	if len(e.recorder.events) != 1 {
		t.Fatalf("recorded %d commission events, want 1", len(e.recorder.events))
	}
	evt := e.recorder.events[0]
	if evt.PayerID != "alice" || evt.ReferrerID != "ref" || evt.Amount != share || evt.IntentID != intent.ID {
		t.Fatalf("unexpected commission event: %+v", evt)
	}
}

func TestFailedPayoutBecomesFollowup(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	src := e.wallet(t, "alice", 10*transfer.BaseUnitsPerUnit)
	refAddr := e.wallet(t, "ref", 0)

	intent := transfer.Intent{
		ID:          "intent-followup",
		AccountID:   "alice",
		Source:      src,
		Destination: "feedface",
		Amount:      transfer.BaseUnitsPerUnit,
	}
	// A commission without a covering fee leaves the operator short.
	quote := transfer.FeeQuote{Principal: intent.Amount, ReferralShare: 1_000, Tier: string(feepolicy.TierImmediate)}
	set, err := Compose(intent, quote, e.keys.OperatorAddress(), refAddr)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if _, err := e.pipeline.Run(ctx, set, intent.Amount); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pending, err := e.store.ListPendingFollowups(ctx)
	if err != nil {
		t.Fatalf("ListPendingFollowups: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending followups = %d, want 1", len(pending))
	}
	f := pending[0]
	if f.Op.Kind != transfer.OpCommission || f.Op.Amount != 1_000 {
		t.Fatalf("unexpected followup op: %+v", f.Op)
	}

	// Once the operator is funded, the retrier completes the payout.
	e.ledger.Fund(e.keys.OperatorAddress(), 2_000)
	retrier := NewPayoutRetrier(e.store, e.pipeline, nil, time.Minute, 5, logger.NewDefault("retrier-test"))
	retrier.sweep(ctx)

	pending, err = e.store.ListPendingFollowups(ctx)
	if err != nil {
		t.Fatalf("ListPendingFollowups: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending followups = %d after retry, want 0", len(pending))
	}
	if got := e.ledger.Balance(refAddr); got != 1_000 {
		t.Fatalf("referrer balance = %d, want 1000", got)
	}
}

func TestCancelPendingIntentOnly(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	created, err := e.store.CreateIntent(ctx, transfer.Intent{
		AccountID:   "alice",
		Destination: "feedface",
		Amount:      1_000,
		Status:      transfer.StatusPending,
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	cancelled, err := e.svc.Cancel(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != transfer.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	if _, err := e.svc.Cancel(ctx, "alice", created.ID); err == nil {
		t.Fatal("expected error cancelling a non-pending intent")
	}
	if _, err := e.svc.Cancel(ctx, "mallory", created.ID); err == nil {
		t.Fatal("expected error cancelling another account's intent")
	}
}
