package amount

import (
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/config"
)

// ConversionOutcome is the closed result of a conversion attempt. Exactly
// one of TooSmall, NoConfig, or a usable Amount holds; Amount is the zero
// value whenever either flag is set.
type ConversionOutcome struct {
	Amount   Amount
	TooSmall bool
	NoConfig bool
}

func rateAmount(val uint64, frac uint32) Amount { return Amount{Val: val, Frac: frac} }

// To converts amount into the target currency for dir (§4.1 "to"): reject
// below the configured minimum, multiply by the ratio quantized to the
// configured tiny amount and rounding mode, then subtract the fee.
func To(cfg *config.ConversionConfig, dir config.Direction, in Amount) (ConversionOutcome, *bankerr.Error) {
	return convert(cfg, dir, in, true)
}

// From is the inverse of To (§4.1 "from"): add the fee back first, then
// revert the ratio multiply with the same tiny amount and rounding mode.
func From(cfg *config.ConversionConfig, dir config.Direction, in Amount) (ConversionOutcome, *bankerr.Error) {
	return convert(cfg, dir, in, false)
}

func convert(cfg *config.ConversionConfig, dir config.Direction, in Amount, forward bool) (ConversionOutcome, *bankerr.Error) {
	rate, ok := cfg.Rate(dir)
	if !ok {
		return ConversionOutcome{NoConfig: true}, nil
	}

	ratio := rateAmount(rate.RatioVal, rate.RatioFrac)
	tiny := rateAmount(rate.TinyVal, rate.TinyFrac)
	fee := rateAmount(rate.FeeVal, rate.FeeFrac)
	min := rateAmount(rate.MinAmountVal, rate.MinAmountFrac)

	if forward {
		if Cmp(in, min) < 0 {
			return ConversionOutcome{TooSmall: true}, nil
		}
		multiplied, berr := MulByRatio(in, ratio, tiny, rate.RoundingMode)
		if berr != nil {
			return ConversionOutcome{}, berr
		}
		result, ok := Sub(multiplied, fee)
		if !ok {
			return ConversionOutcome{TooSmall: true}, nil
		}
		return ConversionOutcome{Amount: result}, nil
	}

	withFee, berr := Add(in, fee)
	if berr != nil {
		return ConversionOutcome{}, berr
	}
	reverted, berr := DivByRatio(withFee, ratio, tiny, rate.RoundingMode)
	if berr != nil {
		return ConversionOutcome{}, berr
	}

	// Under rounding mode "zero" the forward leg truncated toward zero, so
	// reverting it can land one tiny short of the amount that produced it.
	// Bump by one tiny so from(to(x)) >= x always holds (§8 invariant 7).
	if rate.RoundingMode == config.RoundZero && tiny.total().Sign() != 0 {
		if check, berr := MulByRatio(reverted, ratio, tiny, rate.RoundingMode); berr == nil {
			if Cmp(check, withFee) < 0 {
				if bumped, berr := AddTiny(reverted, tiny); berr == nil {
					reverted = bumped
				}
			}
		}
	}

	return ConversionOutcome{Amount: reverted}, nil
}
