package account

import "time"

// Account is a chat user with custodial wallet material. PublicAddress and
// EncryptedSecret are set together when the wallet is created; both empty
// means no wallet yet. ReferredBy is immutable once set and never equals the
// account's own ID.
type Account struct {
	ID              string
	PublicAddress   string
	EncryptedSecret []byte

	// Auxiliary wallet used for vanity addresses and bump funding. Unlike
	// the main wallet it may be replaced.
	AuxAddress         string
	AuxEncryptedSecret []byte

	ReferredBy            string
	ReferralCount         int64
	AccumulatedCommission int64
	PaidVolume            int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasWallet reports whether the main custodial wallet exists.
func (a Account) HasWallet() bool {
	return a.PublicAddress != "" && len(a.EncryptedSecret) > 0
}
