package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ekmloo/phoenix/internal/app/domain/transfer"
)

// ComposeRef derives the deterministic client reference for an intent.
// Re-composing the same intent always yields the same reference, which is
// what lets the pipeline detect replays after a crash.
func ComposeRef(intent transfer.Intent) string {
	payload := strings.Join([]string{
		intent.ID,
		intent.Source,
		intent.Destination,
		strconv.FormatInt(intent.Amount, 10),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

// OpRef extends the set reference with the operation kind so each operation
// in a set carries its own dedup key on the ledger.
func OpRef(setRef string, kind transfer.OpKind) string {
	return setRef + ":" + string(kind)
}

// Compose builds the ordered operation set for a priced intent. The
// principal always comes first; the fee (paid to the operator) and the
// referral commission (paid by the operator) follow. Operations with a zero
// amount are omitted.
func Compose(intent transfer.Intent, quote transfer.FeeQuote, operatorAddr, referrerAddr string) (transfer.OperationSet, error) {
	if intent.Source == "" || intent.Destination == "" {
		return transfer.OperationSet{}, fmt.Errorf("intent %s missing source or destination", intent.ID)
	}
	if quote.Principal != intent.Amount {
		return transfer.OperationSet{}, fmt.Errorf("quote principal %d does not match intent amount %d", quote.Principal, intent.Amount)
	}

	set := transfer.OperationSet{
		IntentID: intent.ID,
		Ref:      ComposeRef(intent),
	}
	set.Ops = append(set.Ops, transfer.Operation{
		Kind:        transfer.OpPrincipal,
		Source:      intent.Source,
		Destination: intent.Destination,
		Amount:      quote.Principal,
	})

	if quote.Fee > 0 {
		if operatorAddr == "" {
			return transfer.OperationSet{}, fmt.Errorf("fee of %d due but no operator address configured", quote.Fee)
		}
		set.Ops = append(set.Ops, transfer.Operation{
			Kind:        transfer.OpFee,
			Source:      intent.Source,
			Destination: operatorAddr,
			Amount:      quote.Fee,
		})
	}

	if quote.ReferralShare > 0 && referrerAddr != "" {
		set.Ops = append(set.Ops, transfer.Operation{
			Kind:        transfer.OpCommission,
			Source:      operatorAddr,
			Destination: referrerAddr,
			Amount:      quote.ReferralShare,
		})
	}

	return set, nil
}
