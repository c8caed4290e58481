package referral

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/storage/memory"
	"github.com/ekmloo/phoenix/pkg/logger"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, store, nil, logger.NewDefault("referral-test")), store
}

func seedAccount(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	if _, err := store.CreateAccount(context.Background(), account.Account{ID: id}); err != nil {
		t.Fatalf("CreateAccount(%s): %v", id, err)
	}
}

func TestLinkFirstReferrerWins(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedAccount(t, store, "ref1")
	seedAccount(t, store, "ref2")

	got, err := svc.Link(ctx, "alice", "ref1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if got != "ref1" {
		t.Fatalf("referrer = %q, want ref1", got)
	}

	// A second link keeps the original attribution.
	got, err = svc.Link(ctx, "alice", "ref2")
	if err != nil {
		t.Fatalf("second Link: %v", err)
	}
	if got != "ref1" {
		t.Fatalf("referrer after relink = %q, want ref1", got)
	}

	ref1, err := store.GetAccount(ctx, "ref1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if ref1.ReferralCount != 1 {
		t.Fatalf("referral count = %d, want 1", ref1.ReferralCount)
	}
	ref2, err := store.GetAccount(ctx, "ref2")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if ref2.ReferralCount != 0 {
		t.Fatalf("ref2 referral count = %d, want 0", ref2.ReferralCount)
	}
}

func TestLinkConcurrentKeepsSingleReferrer(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedAccount(t, store, "ref1")
	seedAccount(t, store, "ref2")
	seedAccount(t, store, "alice")

	var wg sync.WaitGroup
	for _, ref := range []string{"ref1", "ref2"} {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			svc.Link(ctx, "alice", ref)
		}(ref)
	}
	wg.Wait()

	alice, err := store.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if alice.ReferredBy != "ref1" && alice.ReferredBy != "ref2" {
		t.Fatalf("referred by %q", alice.ReferredBy)
	}

	ref1, _ := store.GetAccount(ctx, "ref1")
	ref2, _ := store.GetAccount(ctx, "ref2")
	if total := ref1.ReferralCount + ref2.ReferralCount; total != 1 {
		t.Fatalf("referral counts sum to %d, want 1", total)
	}
	winner := ref1
	if alice.ReferredBy == "ref2" {
		winner = ref2
	}
	if winner.ReferralCount != 1 {
		t.Fatalf("winning referrer count = %d, want 1", winner.ReferralCount)
	}
}

func TestLinkSelfReferral(t *testing.T) {
	svc, store := newService(t)
	seedAccount(t, store, "alice")
	if _, err := svc.Link(context.Background(), "alice", "alice"); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("error = %v, want ErrSelfReferral", err)
	}
}

func TestLinkUnknownReferrer(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Link(context.Background(), "alice", "ghost"); err == nil {
		t.Fatal("expected error for unknown referrer")
	}
}

func TestRecordCommissionConcurrent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedAccount(t, store, "ref")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.RecordCommission(ctx, "payer", "ref", "intent", 100); err != nil {
				t.Errorf("RecordCommission: %v", err)
			}
		}()
	}
	wg.Wait()

	ref, err := store.GetAccount(ctx, "ref")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if ref.AccumulatedCommission != workers*100 {
		t.Fatalf("accumulated commission = %d, want %d", ref.AccumulatedCommission, workers*100)
	}
	events, err := svc.Events(ctx, "ref")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != workers {
		t.Fatalf("events = %d, want %d", len(events), workers)
	}
}

func TestRecordCommissionRejectsNonPositive(t *testing.T) {
	svc, store := newService(t)
	seedAccount(t, store, "ref")
	for _, amount := range []int64{0, -5} {
		if err := svc.RecordCommission(context.Background(), "payer", "ref", "intent", amount); err == nil {
			t.Fatalf("expected error for amount %d", amount)
		}
	}
}

func TestSummary(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedAccount(t, store, "ref")

	for _, id := range []string{"a", "b"} {
		if _, err := svc.Link(ctx, id, "ref"); err != nil {
			t.Fatalf("Link(%s): %v", id, err)
		}
	}
	for _, id := range []string{"a", "b"} {
		acct, err := store.GetAccount(ctx, id)
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		acct.PaidVolume = 1_000
		if _, err := store.UpdateAccount(ctx, acct); err != nil {
			t.Fatalf("UpdateAccount: %v", err)
		}
	}
	if err := svc.RecordCommission(ctx, "a", "ref", "intent-1", 50); err != nil {
		t.Fatalf("RecordCommission: %v", err)
	}

	sum, err := svc.Summary(ctx, "ref")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.ReferralCount != 2 {
		t.Fatalf("referral count = %d, want 2", sum.ReferralCount)
	}
	if sum.TotalVolume != 2_000 {
		t.Fatalf("total volume = %d, want 2000", sum.TotalVolume)
	}
	if sum.TotalEarned != 50 {
		t.Fatalf("total earned = %d, want 50", sum.TotalEarned)
	}
}
