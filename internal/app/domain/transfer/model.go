package transfer

import "time"

// IntentStatus tracks a transfer intent through its lifecycle.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusExecuting IntentStatus = "executing"
	StatusCompleted IntentStatus = "completed"
	StatusFailed    IntentStatus = "failed"
	StatusCancelled IntentStatus = "cancelled"
)

// Intent is one requested value transfer. ScheduledFor is nil for immediate
// transfers; JobID links intents produced by the scheduler to their job.
type Intent struct {
	ID           string
	AccountID    string
	Source       string
	Destination  string
	Amount       int64
	Tier         string
	ScheduledFor *time.Time
	JobID        string
	Status       IntentStatus
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FeeQuote is the deterministic fee breakdown for a principal amount. It is
// derived, never persisted on its own.
type FeeQuote struct {
	Principal     int64
	Fee           int64
	ReferralShare int64
	Tier          string
}

// OpKind distinguishes the operations inside a set.
type OpKind string

const (
	OpPrincipal  OpKind = "principal"
	OpFee        OpKind = "fee"
	OpCommission OpKind = "commission"
)

// Operation is a single value movement.
type Operation struct {
	Kind        OpKind
	Source      string
	Destination string
	Amount      int64
}

// OperationSet is the ordered group of operations composed for one intent.
// Ref is the deterministic client reference used for replay detection.
type OperationSet struct {
	IntentID string
	Ref      string
	Ops      []Operation
}

// Principal returns the principal operation of the set.
func (s OperationSet) Principal() (Operation, bool) {
	for _, op := range s.Ops {
		if op.Kind == OpPrincipal {
			return op, true
		}
	}
	return Operation{}, false
}

// ReceiptStatus is the submission state of one ledger transaction.
type ReceiptStatus string

const (
	ReceiptBuilt     ReceiptStatus = "built"
	ReceiptSigned    ReceiptStatus = "signed"
	ReceiptSubmitted ReceiptStatus = "submitted"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptRejected  ReceiptStatus = "rejected"
	ReceiptTimedOut  ReceiptStatus = "timed_out"
)

// Receipt records what happened to a submitted principal operation.
type Receipt struct {
	ID          string
	IntentID    string
	Ref         string
	TxID        string
	Status      ReceiptStatus
	Error       string
	SubmittedAt time.Time
	ConfirmedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FollowupStatus tracks best-effort fee/commission operations that run after
// the principal is confirmed.
type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupCompleted FollowupStatus = "completed"
	FollowupAbandoned FollowupStatus = "abandoned"
)

// Followup is a deferred fee or commission payout. A followup failure never
// reverses the confirmed principal; it is retried by the payout retrier.
type Followup struct {
	ID        string
	IntentID  string
	Ref       string
	Op        Operation
	Status    FollowupStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
