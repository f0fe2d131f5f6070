package zpay32

import (
	"fmt"
	"math"
	"strconv"

	"github.com/hopline/hopd/lnwire"
)

// amountUnit is a multiplier of the human readable invoice amount, sized in
// pico BTC. A millisatoshi is ten pico BTC.
type amountUnit struct {
	suffix string
	pico   uint64
}

// amountUnits lists the multipliers from the largest to the smallest. The
// empty suffix is a whole BTC.
var amountUnits = []amountUnit{
	{suffix: "", pico: 1_000_000_000_000},
	{suffix: "m", pico: 1_000_000_000},
	{suffix: "u", pico: 1_000_000},
	{suffix: "n", pico: 1_000},
	{suffix: "p", pico: 1},
}

const picoPerMSat = 10

// decodeAmount parses the amount part of the human readable prefix.
func decodeAmount(amount string) (lnwire.MilliSatoshi, error) {
	if amount == "" {
		return 0, fmt.Errorf("amount must be non-empty")
	}

	unit := amountUnits[0]
	num := amount
	if last := amount[len(amount)-1]; last < '0' || last > '9' {
		found := false
		for _, u := range amountUnits[1:] {
			if u.suffix[0] == last {
				unit, found = u, true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown multiplier %c", last)
		}
		num = amount[:len(amount)-1]
	}
	if num == "" {
		return 0, fmt.Errorf("number must be non-empty")
	}

	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint64/unit.pico {
		return 0, fmt.Errorf("amount %s overflows", amount)
	}

	pico := n * unit.pico
	if pico%picoPerMSat != 0 {
		return 0, fmt.Errorf("amount %s not expressible in msat",
			amount)
	}
	if pico == 0 {
		return 0, fmt.Errorf("amount must be positive")
	}

	return lnwire.MilliSatoshi(pico / picoPerMSat), nil
}

// encodeAmount writes msat with the largest multiplier dividing it, which is
// the shortest encoding.
func encodeAmount(msat lnwire.MilliSatoshi) (string, error) {
	if uint64(msat) > math.MaxUint64/picoPerMSat {
		return "", fmt.Errorf("amount %d msat overflows", msat)
	}
	pico := uint64(msat) * picoPerMSat

	for _, u := range amountUnits {
		if pico%u.pico == 0 {
			return strconv.FormatUint(pico/u.pico, 10) + u.suffix,
				nil
		}
	}

	// The pico unit divides every amount.
	return "", fmt.Errorf("unable to encode %d msat", msat)
}
