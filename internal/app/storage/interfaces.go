package storage

import (
	"context"
	"time"

	"github.com/ekmloo/phoenix/internal/app/domain/account"
	"github.com/ekmloo/phoenix/internal/app/domain/referral"
	"github.com/ekmloo/phoenix/internal/app/domain/schedule"
	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
)

// AccountStore persists custodial accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	GetAccountByAddress(ctx context.Context, address string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	ListReferrals(ctx context.Context, referrerID string) ([]account.Account, error)
}

// IntentStore persists transfer intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent transfer.Intent) (transfer.Intent, error)
	UpdateIntent(ctx context.Context, intent transfer.Intent) (transfer.Intent, error)
	GetIntent(ctx context.Context, id string) (transfer.Intent, error)
	ListIntents(ctx context.Context, accountID string) ([]transfer.Intent, error)
}

// ReceiptStore persists submission receipts. GetReceiptByRef powers the
// pipeline's replay check.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, rcpt transfer.Receipt) (transfer.Receipt, error)
	UpdateReceipt(ctx context.Context, rcpt transfer.Receipt) (transfer.Receipt, error)
	GetReceipt(ctx context.Context, id string) (transfer.Receipt, error)
	GetReceiptByRef(ctx context.Context, ref string) (transfer.Receipt, error)
	ListReceipts(ctx context.Context, intentID string) ([]transfer.Receipt, error)
}

// FollowupStore persists deferred fee/commission payouts.
type FollowupStore interface {
	CreateFollowup(ctx context.Context, f transfer.Followup) (transfer.Followup, error)
	UpdateFollowup(ctx context.Context, f transfer.Followup) (transfer.Followup, error)
	ListPendingFollowups(ctx context.Context) ([]transfer.Followup, error)
}

// JobStore persists scheduled jobs. ClaimJob performs the armed->firing
// transition atomically so a job never fires concurrently with itself.
type JobStore interface {
	UpsertJob(ctx context.Context, job schedule.Job) (schedule.Job, error)
	UpdateJob(ctx context.Context, job schedule.Job) (schedule.Job, error)
	GetJob(ctx context.Context, id string) (schedule.Job, error)
	ListJobs(ctx context.Context, accountID string) ([]schedule.Job, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]schedule.Job, error)
	ListArmedJobs(ctx context.Context) ([]schedule.Job, error)
	ClaimJob(ctx context.Context, id string) (schedule.Job, bool, error)
}

// CommissionStore persists immutable commission events.
type CommissionStore interface {
	AppendCommission(ctx context.Context, evt referral.CommissionEvent) (referral.CommissionEvent, error)
	ListCommissions(ctx context.Context, referrerID string) ([]referral.CommissionEvent, error)
}
