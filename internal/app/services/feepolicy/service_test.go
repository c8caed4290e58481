package feepolicy

import (
	"errors"
	"math"
	"testing"

	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
)

func newPolicy(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestQuoteImmediate(t *testing.T) {
	svc := newPolicy(t)

	// 10 units at 10 bps with a referrer: fee 0.01 units, half to the referrer.
	q, err := svc.Quote(10*transfer.BaseUnitsPerUnit, TierImmediate, true)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Fee != 10_000_000 {
		t.Fatalf("fee = %d, want 10000000", q.Fee)
	}
	if q.ReferralShare != 5_000_000 {
		t.Fatalf("referral share = %d, want 5000000", q.ReferralShare)
	}
	if q.Principal != 10*transfer.BaseUnitsPerUnit {
		t.Fatalf("principal changed: %d", q.Principal)
	}
}

func TestQuoteScheduled(t *testing.T) {
	svc := newPolicy(t)

	q, err := svc.Quote(10*transfer.BaseUnitsPerUnit, TierScheduled, false)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Fee != 90_000_000 {
		t.Fatalf("fee = %d, want 90000000", q.Fee)
	}
	if q.ReferralShare != 0 {
		t.Fatalf("referral share = %d, want 0 without a referrer", q.ReferralShare)
	}
}

func TestQuoteRoundsDown(t *testing.T) {
	svc := newPolicy(t)

	// An odd fee halves toward zero for the referrer.
	q, err := svc.Quote(1_001, TierImmediate, true)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Fee != 1 {
		t.Fatalf("fee = %d, want 1", q.Fee)
	}
	if q.ReferralShare != 0 {
		t.Fatalf("referral share = %d, want 0", q.ReferralShare)
	}
}

func TestQuoteRejectsZeroFee(t *testing.T) {
	svc := newPolicy(t)

	// 999 base units at 10 bps is 0.999, rounding down to a zero fee. The
	// quote is rejected so the transfer cannot settle fee-free.
	if _, err := svc.Quote(999, TierImmediate, true); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Quote(999) error = %v, want ErrInvalidAmount", err)
	}

	// A principal large enough to overflow the bps product would come out
	// negative; that is rejected too, never silently dropped.
	if _, err := svc.Quote(math.MaxInt64, TierImmediate, false); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("overflowing Quote error = %v, want ErrInvalidAmount", err)
	}
}

func TestQuoteInvalidPrincipal(t *testing.T) {
	svc := newPolicy(t)
	for _, principal := range []int64{0, -1} {
		if _, err := svc.Quote(principal, TierImmediate, false); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("Quote(%d) error = %v, want ErrInvalidAmount", principal, err)
		}
	}
}

func TestQuoteUnknownTier(t *testing.T) {
	svc := newPolicy(t)
	if _, err := svc.Quote(1_000, Tier("vip"), false); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestRequiredBalance(t *testing.T) {
	svc := newPolicy(t)
	q, err := svc.Quote(transfer.BaseUnitsPerUnit, TierImmediate, false)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	want := q.Principal + q.Fee + 5_000
	if got := svc.RequiredBalance(q); got != want {
		t.Fatalf("RequiredBalance = %d, want %d", got, want)
	}
}

func TestDefaultsAndValidation(t *testing.T) {
	svc := newPolicy(t)
	cfg := svc.Config()
	if cfg.BumpActivationFee != 40_000_000 {
		t.Fatalf("bump activation fee = %d, want 40000000", cfg.BumpActivationFee)
	}
	if cfg.BumpTradeAmount != 11_000_000 {
		t.Fatalf("bump trade amount = %d, want 11000000", cfg.BumpTradeAmount)
	}

	if _, err := New(Config{ImmediateBps: 20_000}); err == nil {
		t.Fatal("expected error for fee above 100%")
	}
	if _, err := New(Config{ReferralSharePct: 150}); err == nil {
		t.Fatal("expected error for referral share above 100%")
	}
}
