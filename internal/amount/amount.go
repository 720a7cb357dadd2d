// Package amount implements the fixed-point currency arithmetic the ledger
// and conversion engine build on: normalized add/subtract, ratio
// multiply/divide with configurable rounding, and bidirectional currency
// conversion (spec component C1).
package amount

import (
	"fmt"
	"math/big"

	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/config"
)

// FracBase is 10^8: the number of fractional units per whole unit. Every
// Amount's Frac field is normalized into [0, FracBase).
const FracBase = 100_000_000

// MaxVal is 2^52, the ceiling a normalized Val must never exceed. Exceeding
// it is a fault, never a domain error (spec §4.1).
const MaxVal = 1 << 52

// Amount is a pair (val, frac) meaning val + frac/1e8 units of whatever
// currency the caller is tracking outside this type. The currency tag
// itself is validated at the API edge, not carried here.
type Amount struct {
	Val  uint64
	Frac uint32
}

// Zero is the additive identity.
var Zero = Amount{}

// total returns a*1e8+frac as a big.Int, the common basis every operation
// below computes in before re-extracting val/frac.
func (a Amount) total() *big.Int {
	t := new(big.Int).SetUint64(a.Val)
	t.Mul(t, big.NewInt(FracBase))
	t.Add(t, big.NewInt(int64(a.Frac)))
	return t
}

// fromTotal splits a basis-1e8 big.Int back into (val, frac), rejecting the
// result with a fault if val would exceed MaxVal. total must be
// non-negative; callers that can produce a negative total must check first.
func fromTotal(total *big.Int) (Amount, *bankerr.Error) {
	if total.Sign() < 0 {
		return Zero, bankerr.Fault(bankerr.CodeOverflow, fmt.Errorf("amount: negative total %s", total))
	}
	base := big.NewInt(FracBase)
	val := new(big.Int).Div(total, base)
	frac := new(big.Int).Mod(total, base)

	if !val.IsUint64() || val.Cmp(big.NewInt(MaxVal)) > 0 {
		return Zero, bankerr.Fault(bankerr.CodeOverflow, fmt.Errorf("amount: val %s exceeds 2^52", val))
	}
	return Amount{Val: val.Uint64(), Frac: uint32(frac.Uint64())}, nil
}

// Normalize lifts any carry out of Frac into Val and checks the 2^52
// ceiling. Arithmetic in this package always normalizes its own output;
// Normalize exists for callers that build an Amount by hand (e.g. summing
// raw components) before passing it on.
func Normalize(a Amount) (Amount, *bankerr.Error) {
	return fromTotal(a.total())
}

// Add returns a+b, normalized. The only failure mode is overflow past
// MaxVal, reported as a fault per §4.1.
func Add(a, b Amount) (Amount, *bankerr.Error) {
	return fromTotal(new(big.Int).Add(a.total(), b.total()))
}

// Sub returns l-r and ok=true if l >= r, else (Zero, false). It never
// produces a negative amount; callers use the boolean to detect the case
// the ledger reports as insufficient balance.
func Sub(l, r Amount) (Amount, bool) {
	lt, rt := l.total(), r.total()
	if lt.Cmp(rt) < 0 {
		return Zero, false
	}
	diff := new(big.Int).Sub(lt, rt)
	result, berr := fromTotal(diff)
	if berr != nil {
		return Zero, false
	}
	return result, true
}

// Cmp compares two amounts: -1 if a<b, 0 if equal, 1 if a>b.
func Cmp(a, b Amount) int {
	return a.total().Cmp(b.total())
}

// MulByRatio multiplies a by the ratio amount (itself expressed as a
// val+frac/1e8 pair the way config.ConversionRate stores it), quantizing
// the result to the given tiny amount under the given rounding mode. This
// is the forward leg of conversion (§4.1 step 2 of `to`).
func MulByRatio(a, ratio, tiny Amount, mode config.RoundingMode) (Amount, *bankerr.Error) {
	// Product lives in a 1e16 basis (two 1e8-basis operands multiplied
	// together); bring it back to 1e8 basis before quantizing.
	product := new(big.Int).Mul(a.total(), ratio.total())
	exact := new(big.Int).Div(product, big.NewInt(FracBase))

	return quantize(exact, tiny, mode)
}

// DivByRatio divides a by the ratio amount, quantizing to tiny under the
// given rounding mode. This is the reverse leg of conversion (§4.1's
// `from`), used to invert a MulByRatio conversion.
func DivByRatio(a, ratio, tiny Amount, mode config.RoundingMode) (Amount, *bankerr.Error) {
	if ratio.total().Sign() == 0 {
		return Zero, bankerr.Fault(bankerr.CodeOverflow, fmt.Errorf("amount: division by zero ratio"))
	}
	scaled := new(big.Int).Mul(a.total(), big.NewInt(FracBase))
	exact := new(big.Int).Div(scaled, ratio.total())

	return quantize(exact, tiny, mode)
}

// quantize rounds exact (a basis-1e8 big.Int) to the nearest multiple of
// tiny, per mode, then re-extracts val/frac.
func quantize(exact *big.Int, tiny Amount, mode config.RoundingMode) (Amount, *bankerr.Error) {
	tinyTotal := tiny.total()
	if tinyTotal.Sign() == 0 {
		// No quantization requested: tiny amount of zero means "exact".
		return fromTotal(exact)
	}

	quotient, remainder := new(big.Int), new(big.Int)
	quotient.DivMod(exact, tinyTotal, remainder)

	switch mode {
	case config.RoundZero:
		// Truncate toward zero: quotient already is.
	case config.RoundUp:
		if remainder.Sign() > 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case config.RoundNearest:
		doubled := new(big.Int).Mul(remainder, big.NewInt(2))
		if doubled.Cmp(tinyTotal) >= 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	default:
		return Zero, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("amount: unknown rounding mode %q", mode))
	}

	result := new(big.Int).Mul(quotient, tinyTotal)
	return fromTotal(result)
}

// AddTiny returns a + tiny, the "recover lost precision" bump §4.1
// describes for the reverse conversion under rounding mode zero.
func AddTiny(a, tiny Amount) (Amount, *bankerr.Error) {
	return Add(a, tiny)
}

// String renders the amount in the conventional "123.45000000"-trimmed
// decimal form used by the teacher's helpers.FormatAmount, trimmed of
// trailing zero digits.
func (a Amount) String() string {
	fracStr := fmt.Sprintf("%08d", a.Frac)
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}
	if fracStr == "" {
		return fmt.Sprintf("%d", a.Val)
	}
	return fmt.Sprintf("%d.%s", a.Val, fracStr)
}
