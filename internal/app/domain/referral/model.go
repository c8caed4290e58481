package referral

import "time"

// CommissionEvent is one immutable commission accrual. The sum of an
// account's events equals its AccumulatedCommission.
type CommissionEvent struct {
	ID           string
	PayerAccount string
	Referrer     string
	Amount       int64
	IntentID     string
	CreatedAt    time.Time
}

// Summary aggregates an account's referral activity.
type Summary struct {
	AccountID     string
	ReferralCount int64
	TotalVolume   int64
	TotalEarned   int64
}
