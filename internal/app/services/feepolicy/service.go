// Package feepolicy computes service fees and referral commissions for
// transfers. All amounts are in base units and all math is integer only.
package feepolicy

import (
	"errors"
	"fmt"

	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
)

// ErrInvalidAmount is returned for non-positive principals or principals too
// small to cover the network fee buffer.
var ErrInvalidAmount = errors.New("invalid transfer amount")

// Tier names a fee schedule.
type Tier string

const (
	// TierImmediate applies to user-initiated transfers executed right away.
	TierImmediate Tier = "immediate"
	// TierScheduled applies to transfers fired by the scheduler.
	TierScheduled Tier = "scheduled"
)

// Config carries the fee schedule. Zero values fall back to defaults.
type Config struct {
	// ImmediateBps is the fee for immediate transfers in basis points.
	ImmediateBps int64
	// ScheduledBps is the fee for scheduled transfers in basis points.
	ScheduledBps int64
	// ReferralSharePct is the percentage of the fee paid to a referrer.
	ReferralSharePct int64
	// NetworkFeeBuffer is reserved per submission for network costs.
	NetworkFeeBuffer int64
	// BumpActivationFee is the flat charge to start a bump schedule.
	BumpActivationFee int64
	// BumpTradeAmount is the per-tick micro trade size for bump schedules.
	BumpTradeAmount int64
}

// DefaultConfig returns the standard fee schedule.
func DefaultConfig() Config {
	return Config{
		ImmediateBps:      10,
		ScheduledBps:      90,
		ReferralSharePct:  50,
		NetworkFeeBuffer:  5_000,
		BumpActivationFee: 4 * transfer.BaseUnitsPerUnit / 100,
		BumpTradeAmount:   11 * transfer.BaseUnitsPerUnit / 1000,
	}
}

// Service is a pure fee calculator. It holds no mutable state and is safe
// for concurrent use.
type Service struct {
	cfg Config
}

func New(cfg Config) (*Service, error) {
	def := DefaultConfig()
	if cfg.ImmediateBps == 0 {
		cfg.ImmediateBps = def.ImmediateBps
	}
	if cfg.ScheduledBps == 0 {
		cfg.ScheduledBps = def.ScheduledBps
	}
	if cfg.ReferralSharePct == 0 {
		cfg.ReferralSharePct = def.ReferralSharePct
	}
	if cfg.NetworkFeeBuffer == 0 {
		cfg.NetworkFeeBuffer = def.NetworkFeeBuffer
	}
	if cfg.BumpActivationFee == 0 {
		cfg.BumpActivationFee = def.BumpActivationFee
	}
	if cfg.BumpTradeAmount == 0 {
		cfg.BumpTradeAmount = def.BumpTradeAmount
	}

	if cfg.ImmediateBps < 0 || cfg.ImmediateBps > 10_000 {
		return nil, fmt.Errorf("immediate fee %d bps out of range", cfg.ImmediateBps)
	}
	if cfg.ScheduledBps < 0 || cfg.ScheduledBps > 10_000 {
		return nil, fmt.Errorf("scheduled fee %d bps out of range", cfg.ScheduledBps)
	}
	if cfg.ReferralSharePct < 0 || cfg.ReferralSharePct > 100 {
		return nil, fmt.Errorf("referral share %d%% out of range", cfg.ReferralSharePct)
	}
	return &Service{cfg: cfg}, nil
}

// Config returns the effective schedule after defaulting.
func (s *Service) Config() Config { return s.cfg }

// NetworkFeeBuffer is the per-submission reserve in base units.
func (s *Service) NetworkFeeBuffer() int64 { return s.cfg.NetworkFeeBuffer }

// BumpActivationFee is the flat charge to arm a bump schedule.
func (s *Service) BumpActivationFee() int64 { return s.cfg.BumpActivationFee }

// BumpTradeAmount is the per-tick trade size for bump schedules.
func (s *Service) BumpTradeAmount() int64 { return s.cfg.BumpTradeAmount }

func (s *Service) bpsFor(tier Tier) (int64, error) {
	switch tier {
	case TierImmediate:
		return s.cfg.ImmediateBps, nil
	case TierScheduled:
		return s.cfg.ScheduledBps, nil
	default:
		return 0, fmt.Errorf("unknown fee tier %q", tier)
	}
}

// Quote prices a transfer of principal base units under the given tier.
// hasReferrer controls whether a referral share is carved out of the fee.
// The fee rounds down; a principal too small to produce a positive fee is
// rejected so a transfer can never settle fee-free.
func (s *Service) Quote(principal int64, tier Tier, hasReferrer bool) (transfer.FeeQuote, error) {
	if principal <= 0 {
		return transfer.FeeQuote{}, fmt.Errorf("%w: principal %d", ErrInvalidAmount, principal)
	}
	bps, err := s.bpsFor(tier)
	if err != nil {
		return transfer.FeeQuote{}, err
	}

	fee := principal * bps / 10_000
	if fee <= 0 {
		return transfer.FeeQuote{}, fmt.Errorf("%w: principal %d yields no fee at %d bps", ErrInvalidAmount, principal, bps)
	}
	var share int64
	if hasReferrer {
		share = fee * s.cfg.ReferralSharePct / 100
	}
	return transfer.FeeQuote{
		Principal:     principal,
		Fee:           fee,
		ReferralShare: share,
		Tier:          string(tier),
	}, nil
}

// RequiredBalance is the minimum source balance for a priced transfer,
// covering the principal, the fee, and the network reserve.
func (s *Service) RequiredBalance(q transfer.FeeQuote) int64 {
	return q.Principal + q.Fee + s.cfg.NetworkFeeBuffer
}
