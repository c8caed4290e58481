// Package referral maintains the referral graph and its commission ledger.
package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/referral"
	"github.com/ekmloo/phoenix/internal/app/metrics"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/pkg/logger"
)

// ErrSelfReferral is returned when an account tries to refer itself.
var ErrSelfReferral = errors.New("self referral")

// Service manages referrer links and commission accounting. Commission
// writes for the same referrer are serialized so concurrent credits cannot
// lose updates.
type Service struct {
	accounts    storage.AccountStore
	commissions storage.CommissionStore
	metrics     *metrics.Metrics
	log         *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(accounts storage.AccountStore, commissions storage.CommissionStore, m *metrics.Metrics, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("referral")
	}
	return &Service{
		accounts:    accounts,
		commissions: commissions,
		metrics:     m,
		log:         log,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *Service) accountLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[id] = lk
	}
	return lk
}

// Link attributes the account to a referrer. The first referrer wins: a
// later Link for an already-attributed account is a no-op and reports the
// existing attribution. The account record is created on first contact.
func (s *Service) Link(ctx context.Context, accountID, referrerID string) (string, error) {
	if accountID == referrerID {
		return "", ErrSelfReferral
	}

	referrer, err := s.accounts.GetAccount(ctx, referrerID)
	if err != nil {
		return "", fmt.Errorf("referrer %s: %w", referrerID, err)
	}

	// The first-referrer-wins check and the write are one critical section;
	// two racing Links must not both observe an empty attribution.
	alk := s.accountLock(accountID)
	alk.Lock()
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		acct, err = s.accounts.CreateAccount(ctx, account.Account{ID: accountID})
		if err != nil {
			alk.Unlock()
			return "", fmt.Errorf("create account: %w", err)
		}
	}
	if acct.ReferredBy != "" {
		alk.Unlock()
		return acct.ReferredBy, nil
	}

	acct.ReferredBy = referrer.ID
	if _, err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		alk.Unlock()
		return "", fmt.Errorf("link referrer: %w", err)
	}
	alk.Unlock()

	lk := s.accountLock(referrer.ID)
	lk.Lock()
	defer lk.Unlock()
	referrer, err = s.accounts.GetAccount(ctx, referrer.ID)
	if err != nil {
		return "", err
	}
	referrer.ReferralCount++
	if _, err := s.accounts.UpdateAccount(ctx, referrer); err != nil {
		return "", fmt.Errorf("update referral count: %w", err)
	}

	s.log.WithField("account_id", accountID).
		WithField("referrer", referrer.ID).
		Info("referral linked")
	return referrer.ID, nil
}

// RecordCommission appends a commission event and credits the referrer's
// running total. The read-modify-write on the referrer is serialized per
// referrer.
func (s *Service) RecordCommission(ctx context.Context, payerID, referrerID, intentID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("commission amount %d must be positive", amount)
	}

	lk := s.accountLock(referrerID)
	lk.Lock()
	defer lk.Unlock()

	referrer, err := s.accounts.GetAccount(ctx, referrerID)
	if err != nil {
		return fmt.Errorf("referrer %s: %w", referrerID, err)
	}

	if _, err := s.commissions.AppendCommission(ctx, referral.CommissionEvent{
		PayerAccount: payerID,
		Referrer:     referrerID,
		Amount:       amount,
		IntentID:     intentID,
	}); err != nil {
		return fmt.Errorf("append commission: %w", err)
	}

	referrer.AccumulatedCommission += amount
	if _, err := s.accounts.UpdateAccount(ctx, referrer); err != nil {
		return fmt.Errorf("credit referrer: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CommissionsTotal.Inc()
		s.metrics.CommissionVolume.Add(float64(amount))
	}
	return nil
}

// Summary reports an account's referral standing.
func (s *Service) Summary(ctx context.Context, accountID string) (referral.Summary, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return referral.Summary{}, err
	}

	referred, err := s.accounts.ListReferrals(ctx, accountID)
	if err != nil {
		return referral.Summary{}, err
	}
	var volume int64
	for _, r := range referred {
		volume += r.PaidVolume
	}

	return referral.Summary{
		AccountID:     accountID,
		ReferralCount: acct.ReferralCount,
		TotalVolume:   volume,
		TotalEarned:   acct.AccumulatedCommission,
	}, nil
}

// Referred lists the accounts attributed to a referrer.
func (s *Service) Referred(ctx context.Context, referrerID string) ([]account.Account, error) {
	return s.accounts.ListReferrals(ctx, referrerID)
}

// Events lists the commission history credited to a referrer.
func (s *Service) Events(ctx context.Context, referrerID string) ([]referral.CommissionEvent, error) {
	return s.commissions.ListCommissions(ctx, referrerID)
}
