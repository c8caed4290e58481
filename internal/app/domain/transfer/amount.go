package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// BaseUnitsPerUnit is the ledger's smallest-unit scale: one display unit is
// one billion base units.
const BaseUnitsPerUnit = 1_000_000_000

// ParseAmount converts a decimal amount string ("1.5", "0.011") into base
// units without going through floating point. At most nine fractional digits
// are accepted.
func ParseAmount(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+") {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}

	whole := trimmed
	frac := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole = trimmed[:idx]
		frac = trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 9 {
		return 0, fmt.Errorf("amount %q exceeds base unit precision", raw)
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}

	var fracUnits int64
	if frac != "" {
		padded := frac + strings.Repeat("0", 9-len(frac))
		fracUnits, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q", raw)
		}
	}

	if units > (1<<62)/BaseUnitsPerUnit {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}
	return units*BaseUnitsPerUnit + fracUnits, nil
}

// FormatAmount renders base units as a decimal display amount with trailing
// zeros trimmed.
func FormatAmount(baseUnits int64) string {
	neg := baseUnits < 0
	if neg {
		baseUnits = -baseUnits
	}
	units := baseUnits / BaseUnitsPerUnit
	frac := baseUnits % BaseUnitsPerUnit

	out := strconv.FormatInt(units, 10)
	if frac > 0 {
		fracStr := fmt.Sprintf("%09d", frac)
		fracStr = strings.TrimRight(fracStr, "0")
		out += "." + fracStr
	}
	if neg {
		out = "-" + out
	}
	return out
}
