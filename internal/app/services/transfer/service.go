// Package transfer executes value transfers end to end: pricing, operation
// composition, signing, submission and settlement bookkeeping.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/metrics"
	"github.com/ekmloo/phoenix/internal/app/notify"
	"github.com/ekmloo/phoenix/internal/app/services/feepolicy"
	"github.com/ekmloo/phoenix/internal/app/storage"
	"github.com/ekmloo/phoenix/internal/chain"
	"github.com/ekmloo/phoenix/pkg/logger"
)

// ErrNoWallet is returned when the account has no custodial wallet yet.
var ErrNoWallet = errors.New("account has no wallet")

// CommissionRecorder credits a referrer for a paid fee. The referral service
// implements it.
type CommissionRecorder interface {
	RecordCommission(ctx context.Context, payerID, referrerID, intentID string, amount int64) error
}

// ExecuteRequest describes one transfer to run. Source defaults to the
// account's main wallet; the scheduler overrides it for auxiliary-wallet
// trades. JobID and ScheduledFor are set only on scheduler-fired transfers.
type ExecuteRequest struct {
	AccountID    string
	Source       string
	Destination  string
	Amount       int64
	Tier         feepolicy.Tier
	JobID        string
	ScheduledFor *time.Time
}

// Service orchestrates transfer execution. Transfers for the same account
// are serialized so concurrent requests cannot both pass the balance check.
type Service struct {
	accounts storage.AccountStore
	intents  storage.IntentStore
	fees     *feepolicy.Service
	pipeline *Pipeline
	chain    chain.Client
	recorder CommissionRecorder
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *logger.Logger

	operatorAddr string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(
	accounts storage.AccountStore,
	intents storage.IntentStore,
	fees *feepolicy.Service,
	pipeline *Pipeline,
	chainClient chain.Client,
	recorder CommissionRecorder,
	notifier notify.Notifier,
	m *metrics.Metrics,
	operatorAddr string,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("transfer")
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	return &Service{
		accounts:     accounts,
		intents:      intents,
		fees:         fees,
		pipeline:     pipeline,
		chain:        chainClient,
		recorder:     recorder,
		notifier:     notifier,
		metrics:      m,
		log:          log,
		operatorAddr: operatorAddr,
		locks:        make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing transfers for one account.
func (s *Service) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[accountID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[accountID] = lk
	}
	return lk
}

// Quote prices a transfer for the account without executing it.
func (s *Service) Quote(ctx context.Context, accountID string, amount int64, tier feepolicy.Tier) (transfer.FeeQuote, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return transfer.FeeQuote{}, err
	}
	_, referrerAddr, err := s.resolveReferrer(ctx, acct)
	if err != nil {
		return transfer.FeeQuote{}, err
	}
	return s.fees.Quote(amount, tier, referrerAddr != "")
}

// Balance reports the ledger balance of the account's main wallet.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !acct.HasWallet() {
		return 0, ErrNoWallet
	}
	return s.chain.GetBalance(ctx, acct.PublicAddress)
}

// Execute runs one transfer to a terminal state. The returned intent is
// completed on success; on failure it carries the error and a failed status.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (transfer.Intent, transfer.Receipt, error) {
	lk := s.accountLock(req.AccountID)
	lk.Lock()
	defer lk.Unlock()

	acct, err := s.accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		return transfer.Intent{}, transfer.Receipt{}, err
	}
	if !acct.HasWallet() {
		return transfer.Intent{}, transfer.Receipt{}, ErrNoWallet
	}

	source := req.Source
	if source == "" {
		source = acct.PublicAddress
	}

	referrerID, referrerAddr, err := s.resolveReferrer(ctx, acct)
	if err != nil {
		return transfer.Intent{}, transfer.Receipt{}, err
	}

	quote, err := s.fees.Quote(req.Amount, req.Tier, referrerAddr != "")
	if err != nil {
		return transfer.Intent{}, transfer.Receipt{}, err
	}

	intent, err := s.intents.CreateIntent(ctx, transfer.Intent{
		AccountID:    req.AccountID,
		Source:       source,
		Destination:  req.Destination,
		Amount:       req.Amount,
		Tier:         string(req.Tier),
		ScheduledFor: req.ScheduledFor,
		JobID:        req.JobID,
		Status:       transfer.StatusPending,
	})
	if err != nil {
		return transfer.Intent{}, transfer.Receipt{}, fmt.Errorf("create intent: %w", err)
	}

	set, err := Compose(intent, quote, s.operatorAddr, referrerAddr)
	if err != nil {
		return s.failIntent(ctx, intent, transfer.Receipt{}, err)
	}

	intent.Status = transfer.StatusExecuting
	if intent, err = s.intents.UpdateIntent(ctx, intent); err != nil {
		return intent, transfer.Receipt{}, fmt.Errorf("update intent: %w", err)
	}

	started := time.Now()
	rcpt, err := s.pipeline.Run(ctx, set, s.fees.RequiredBalance(quote))
	if s.metrics != nil {
		s.metrics.SubmissionDuration.Observe(time.Since(started).Seconds())
		if rcpt.Status != "" {
			s.metrics.SubmissionsTotal.WithLabelValues(string(rcpt.Status)).Inc()
		}
	}
	if err != nil {
		intent, rcpt, err := s.failIntent(ctx, intent, rcpt, err)
		s.notifier.Notify(ctx, req.AccountID, fmt.Sprintf("Transfer of %s failed: %v",
			transfer.FormatAmount(req.Amount), err))
		return intent, rcpt, err
	}

	intent.Status = transfer.StatusCompleted
	if intent, err = s.intents.UpdateIntent(ctx, intent); err != nil {
		return intent, rcpt, fmt.Errorf("update intent: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IntentsTotal.WithLabelValues(string(intent.Status)).Inc()
	}

	acct.PaidVolume += quote.Principal
	if _, err := s.accounts.UpdateAccount(ctx, acct); err != nil {
		s.log.WithError(err).WithField("account_id", acct.ID).Error("update paid volume")
	}

	if quote.ReferralShare > 0 && referrerID != "" && s.recorder != nil {
		if err := s.recorder.RecordCommission(ctx, acct.ID, referrerID, intent.ID, quote.ReferralShare); err != nil {
			s.log.WithError(err).WithField("referrer", referrerID).Error("record commission")
		}
	}

	s.notifier.Notify(ctx, req.AccountID, fmt.Sprintf("Sent %s to %s (tx %s)",
		transfer.FormatAmount(quote.Principal), shortAddr(req.Destination), rcpt.TxID))
	return intent, rcpt, nil
}

// Intents lists an account's transfer history, newest first per the store.
func (s *Service) Intents(ctx context.Context, accountID string) ([]transfer.Intent, error) {
	return s.intents.ListIntents(ctx, accountID)
}

// Cancel marks a pending intent cancelled. Intents that started executing
// cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, accountID, intentID string) (transfer.Intent, error) {
	intent, err := s.intents.GetIntent(ctx, intentID)
	if err != nil {
		return transfer.Intent{}, err
	}
	if intent.AccountID != accountID {
		return transfer.Intent{}, fmt.Errorf("intent %s does not belong to account %s", intentID, accountID)
	}
	if intent.Status != transfer.StatusPending {
		return transfer.Intent{}, fmt.Errorf("intent %s is %s, only pending intents can be cancelled", intentID, intent.Status)
	}
	intent.Status = transfer.StatusCancelled
	return s.intents.UpdateIntent(ctx, intent)
}

// resolveReferrer returns the referrer's account ID and wallet address, or
// empty strings when the account has no referrer with a usable wallet.
func (s *Service) resolveReferrer(ctx context.Context, acct account.Account) (string, string, error) {
	if acct.ReferredBy == "" {
		return "", "", nil
	}
	ref, err := s.accounts.GetAccount(ctx, acct.ReferredBy)
	if err != nil {
		// A dangling referrer reference degrades to no commission.
		s.log.WithField("referrer", acct.ReferredBy).Warn("referrer account missing")
		return "", "", nil
	}
	if !ref.HasWallet() {
		return ref.ID, "", nil
	}
	return ref.ID, ref.PublicAddress, nil
}

func (s *Service) failIntent(ctx context.Context, intent transfer.Intent, rcpt transfer.Receipt, cause error) (transfer.Intent, transfer.Receipt, error) {
	intent.Status = transfer.StatusFailed
	intent.Error = cause.Error()
	updated, err := s.intents.UpdateIntent(ctx, intent)
	if err != nil {
		s.log.WithError(err).Error("persist intent failure state")
		updated = intent
	}
	if s.metrics != nil {
		s.metrics.IntentsTotal.WithLabelValues(string(transfer.StatusFailed)).Inc()
	}
	return updated, rcpt, cause
}

func shortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}
