package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/referral"
	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
	"github.com/ekmloo/phoenix/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local runs.
type Store struct {
	mu                sync.RWMutex
	nextID            int64
	accounts          map[string]account.Account
	accountsByAddress map[string]string
	intents           map[string]transfer.Intent
	receipts          map[string]transfer.Receipt
	receiptsByRef     map[string]string
	followups         map[string]transfer.Followup
	jobs              map[string]schedule.Job
	commissions       map[string][]referral.CommissionEvent
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.IntentStore = (*Store)(nil)
var _ storage.ReceiptStore = (*Store)(nil)
var _ storage.FollowupStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.CommissionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:            1,
		accounts:          make(map[string]account.Account),
		accountsByAddress: make(map[string]string),
		intents:           make(map[string]transfer.Intent),
		receipts:          make(map[string]transfer.Receipt),
		receiptsByRef:     make(map[string]string),
		followups:         make(map[string]transfer.Followup),
		jobs:              make(map[string]schedule.Job),
		commissions:       make(map[string][]referral.CommissionEvent),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// AccountStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = s.nextIDLocked()
	} else if _, exists := s.accounts[acct.ID]; exists {
		return account.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}

	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	s.accounts[acct.ID] = cloneAccount(acct)
	s.indexAddressesLocked(acct)
	return cloneAccount(acct), nil
}

func (s *Store) UpdateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.accounts[acct.ID]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s not found", acct.ID)
	}

	acct.CreatedAt = original.CreatedAt
	acct.UpdatedAt = time.Now().UTC()

	if original.PublicAddress != "" && original.PublicAddress != acct.PublicAddress {
		delete(s.accountsByAddress, original.PublicAddress)
	}
	if original.AuxAddress != "" && original.AuxAddress != acct.AuxAddress {
		delete(s.accountsByAddress, original.AuxAddress)
	}

	s.accounts[acct.ID] = cloneAccount(acct)
	s.indexAddressesLocked(acct)
	return cloneAccount(acct), nil
}

func (s *Store) GetAccount(_ context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return account.Account{}, fmt.Errorf("account %s not found", id)
	}
	return cloneAccount(acct), nil
}

func (s *Store) GetAccountByAddress(_ context.Context, address string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.accountsByAddress[strings.TrimSpace(address)]; ok {
		return cloneAccount(s.accounts[id]), nil
	}
	return account.Account{}, fmt.Errorf("account for address %s not found", address)
}

func (s *Store) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, cloneAccount(acct))
	}
	return result, nil
}

func (s *Store) ListReferrals(_ context.Context, referrerID string) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]account.Account, 0)
	for _, acct := range s.accounts {
		if acct.ReferredBy == referrerID {
			result = append(result, cloneAccount(acct))
		}
	}
	return result, nil
}

func (s *Store) indexAddressesLocked(acct account.Account) {
	if acct.PublicAddress != "" {
		s.accountsByAddress[acct.PublicAddress] = acct.ID
	}
	if acct.AuxAddress != "" {
		s.accountsByAddress[acct.AuxAddress] = acct.ID
	}
}

// IntentStore implementation --------------------------------------------------

func (s *Store) CreateIntent(_ context.Context, intent transfer.Intent) (transfer.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intent.ID == "" {
		intent.ID = s.nextIDLocked()
	} else if _, exists := s.intents[intent.ID]; exists {
		return transfer.Intent{}, fmt.Errorf("intent %s already exists", intent.ID)
	}

	now := time.Now().UTC()
	intent.CreatedAt = now
	intent.UpdatedAt = now

	s.intents[intent.ID] = intent
	return intent, nil
}

func (s *Store) UpdateIntent(_ context.Context, intent transfer.Intent) (transfer.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.intents[intent.ID]
	if !ok {
		return transfer.Intent{}, fmt.Errorf("intent %s not found", intent.ID)
	}

	intent.CreatedAt = original.CreatedAt
	intent.UpdatedAt = time.Now().UTC()

	s.intents[intent.ID] = intent
	return intent, nil
}

func (s *Store) GetIntent(_ context.Context, id string) (transfer.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[id]
	if !ok {
		return transfer.Intent{}, fmt.Errorf("intent %s not found", id)
	}
	return intent, nil
}

func (s *Store) ListIntents(_ context.Context, accountID string) ([]transfer.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]transfer.Intent, 0)
	for _, intent := range s.intents {
		if accountID == "" || intent.AccountID == accountID {
			result = append(result, intent)
		}
	}
	return result, nil
}

// ReceiptStore implementation -------------------------------------------------

func (s *Store) CreateReceipt(_ context.Context, rcpt transfer.Receipt) (transfer.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rcpt.ID == "" {
		rcpt.ID = s.nextIDLocked()
	} else if _, exists := s.receipts[rcpt.ID]; exists {
		return transfer.Receipt{}, fmt.Errorf("receipt %s already exists", rcpt.ID)
	}

	now := time.Now().UTC()
	rcpt.CreatedAt = now
	rcpt.UpdatedAt = now

	s.receipts[rcpt.ID] = rcpt
	if rcpt.Ref != "" {
		s.receiptsByRef[rcpt.Ref] = rcpt.ID
	}
	return rcpt, nil
}

func (s *Store) UpdateReceipt(_ context.Context, rcpt transfer.Receipt) (transfer.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.receipts[rcpt.ID]
	if !ok {
		return transfer.Receipt{}, fmt.Errorf("receipt %s not found", rcpt.ID)
	}

	rcpt.CreatedAt = original.CreatedAt
	rcpt.UpdatedAt = time.Now().UTC()

	s.receipts[rcpt.ID] = rcpt
	if rcpt.Ref != "" {
		s.receiptsByRef[rcpt.Ref] = rcpt.ID
	}
	return rcpt, nil
}

func (s *Store) GetReceipt(_ context.Context, id string) (transfer.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rcpt, ok := s.receipts[id]
	if !ok {
		return transfer.Receipt{}, fmt.Errorf("receipt %s not found", id)
	}
	return rcpt, nil
}

func (s *Store) GetReceiptByRef(_ context.Context, ref string) (transfer.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.receiptsByRef[ref]; ok {
		return s.receipts[id], nil
	}
	return transfer.Receipt{}, fmt.Errorf("receipt for ref %s not found", ref)
}

func (s *Store) ListReceipts(_ context.Context, intentID string) ([]transfer.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]transfer.Receipt, 0)
	for _, rcpt := range s.receipts {
		if intentID == "" || rcpt.IntentID == intentID {
			result = append(result, rcpt)
		}
	}
	return result, nil
}

// FollowupStore implementation ------------------------------------------------

func (s *Store) CreateFollowup(_ context.Context, f transfer.Followup) (transfer.Followup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = s.nextIDLocked()
	} else if _, exists := s.followups[f.ID]; exists {
		return transfer.Followup{}, fmt.Errorf("followup %s already exists", f.ID)
	}

	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	s.followups[f.ID] = f
	return f, nil
}

func (s *Store) UpdateFollowup(_ context.Context, f transfer.Followup) (transfer.Followup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.followups[f.ID]
	if !ok {
		return transfer.Followup{}, fmt.Errorf("followup %s not found", f.ID)
	}

	f.CreatedAt = original.CreatedAt
	f.UpdatedAt = time.Now().UTC()

	s.followups[f.ID] = f
	return f, nil
}

func (s *Store) ListPendingFollowups(_ context.Context) ([]transfer.Followup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]transfer.Followup, 0)
	for _, f := range s.followups {
		if f.Status == transfer.FollowupPending {
			result = append(result, f)
		}
	}
	return result, nil
}

// JobStore implementation -----------------------------------------------------

func (s *Store) UpsertJob(_ context.Context, job schedule.Job) (schedule.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return schedule.Job{}, fmt.Errorf("job id is required")
	}

	now := time.Now().UTC()
	if original, exists := s.jobs[job.ID]; exists {
		job.CreatedAt = original.CreatedAt
		job.Occurrence = original.Occurrence
	} else {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) UpdateJob(_ context.Context, job schedule.Job) (schedule.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.jobs[job.ID]
	if !ok {
		return schedule.Job{}, fmt.Errorf("job %s not found", job.ID)
	}

	job.CreatedAt = original.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	s.jobs[job.ID] = job
	return job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return schedule.Job{}, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func (s *Store) ListJobs(_ context.Context, accountID string) ([]schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]schedule.Job, 0)
	for _, job := range s.jobs {
		if accountID == "" || job.AccountID == accountID {
			result = append(result, job)
		}
	}
	return result, nil
}

func (s *Store) ListDueJobs(_ context.Context, now time.Time) ([]schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]schedule.Job, 0)
	for _, job := range s.jobs {
		if job.Status == schedule.StatusArmed && !job.NextRun.IsZero() && !job.NextRun.After(now) {
			result = append(result, job)
		}
	}
	return result, nil
}

func (s *Store) ListArmedJobs(_ context.Context) ([]schedule.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]schedule.Job, 0)
	for _, job := range s.jobs {
		if job.Status == schedule.StatusArmed {
			result = append(result, job)
		}
	}
	return result, nil
}

func (s *Store) ClaimJob(_ context.Context, id string) (schedule.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return schedule.Job{}, false, fmt.Errorf("job %s not found", id)
	}
	if job.Status != schedule.StatusArmed {
		return job, false, nil
	}
	job.Status = schedule.StatusFiring
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, true, nil
}

// CommissionStore implementation ----------------------------------------------

func (s *Store) AppendCommission(_ context.Context, evt referral.CommissionEvent) (referral.CommissionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.ID == "" {
		evt.ID = s.nextIDLocked()
	}
	evt.CreatedAt = time.Now().UTC()

	s.commissions[evt.Referrer] = append(s.commissions[evt.Referrer], evt)
	return evt, nil
}

func (s *Store) ListCommissions(_ context.Context, referrerID string) ([]referral.CommissionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]referral.CommissionEvent(nil), s.commissions[referrerID]...), nil
}

// Helpers --------------------------------------------------------------------

func cloneAccount(acct account.Account) account.Account {
	acct.EncryptedSecret = append([]byte(nil), acct.EncryptedSecret...)
	acct.AuxEncryptedSecret = append([]byte(nil), acct.AuxEncryptedSecret...)
	return acct
}
