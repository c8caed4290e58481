package schedule

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind distinguishes job flavours.
type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
	// KindBump is a recurring job alternating a small buy and sell against
	// one destination, funded from the account's auxiliary wallet.
	KindBump Kind = "bump"
)

// Status is the per-job state machine: armed -> firing -> completed |
// armed (re-arm) | cancelled. Cancellation only applies to armed jobs.
type Status string

const (
	StatusArmed     Status = "armed"
	StatusFiring    Status = "firing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Job is a durable scheduled transfer. Jobs survive restarts: the scheduler
// reloads armed jobs on start, so a crash never drops a pending transfer.
type Job struct {
	ID          string
	AccountID   string
	Source      string
	Destination string
	Amount      int64
	Tier        string
	Kind        Kind

	// Cadence is a cron expression or "@every" duration for recurring and
	// bump jobs; FireAt is set for one-shot jobs.
	Cadence string
	FireAt  time.Time
	NextRun time.Time
	LastRun time.Time

	Status     Status
	Occurrence int64
	// BumpPhase alternates 0 (buy) and 1 (sell) for bump jobs.
	BumpPhase int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeterministicID derives the job identifier from the account, destination
// and cadence so re-issuing the same recurring command re-arms the existing
// job instead of creating a duplicate.
func DeterministicID(accountID, destination, cadence string) string {
	sum := sha256.Sum256([]byte(accountID + "|" + destination + "|" + cadence))
	return hex.EncodeToString(sum[:16])
}
