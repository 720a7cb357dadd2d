package amount

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/config"
)

func TestAddNormalizesCarry(t *testing.T) {
	a := Amount{Val: 1, Frac: FracBase - 1}
	b := Amount{Val: 0, Frac: 2}

	sum, berr := Add(a, b)
	if berr != nil {
		t.Fatalf("unexpected error: %v", berr)
	}
	want := Amount{Val: 2, Frac: 1}
	if sum != want {
		t.Errorf("Add = %+v, want %+v", sum, want)
	}
}

func TestAddOverflowFaults(t *testing.T) {
	a := Amount{Val: MaxVal, Frac: 0}
	b := Amount{Val: 1, Frac: 0}

	_, berr := Add(a, b)
	if berr == nil {
		t.Fatal("expected overflow fault")
	}
	if berr.Category != bankerr.CategoryFault {
		t.Errorf("expected fault category, got %s", berr.Category)
	}
}

func TestSub(t *testing.T) {
	tests := []struct {
		name    string
		l, r    Amount
		want    Amount
		wantOk  bool
	}{
		{"simple", Amount{10, 0}, Amount{3, 0}, Amount{7, 0}, true},
		{"equal", Amount{5, 50}, Amount{5, 50}, Zero, true},
		{"borrow frac", Amount{5, 10}, Amount{2, 20}, Amount{2, FracBase - 10}, true},
		{"insufficient", Amount{1, 0}, Amount{2, 0}, Zero, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Sub(tt.l, tt.r)
			if ok != tt.wantOk {
				t.Fatalf("Sub ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && got != tt.want {
				t.Errorf("Sub = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// invariant 6: every amount operation's result has frac < 1e8 and val <= 2^52.
func TestInvariantNormalizedResult(t *testing.T) {
	ops := []Amount{
		mustAdd(t, Amount{1, 99999999}, Amount{1, 99999999}),
	}
	for _, a := range ops {
		if a.Frac >= FracBase {
			t.Errorf("frac %d not < %d", a.Frac, FracBase)
		}
		if a.Val > MaxVal {
			t.Errorf("val %d exceeds 2^52", a.Val)
		}
	}
}

func mustAdd(t *testing.T, a, b Amount) Amount {
	t.Helper()
	sum, berr := Add(a, b)
	if berr != nil {
		t.Fatalf("Add: %v", berr)
	}
	return sum
}

func TestMulByRatioRoundingModes(t *testing.T) {
	a := Amount{Val: 10, Frac: 0}
	ratio := Amount{Val: 0, Frac: 33333333} // ~0.33333333
	tiny := Amount{Val: 0, Frac: 1}         // quantum of 0.00000001

	zero, berr := MulByRatio(a, ratio, tiny, config.RoundZero)
	if berr != nil {
		t.Fatalf("MulByRatio zero: %v", berr)
	}
	up, berr := MulByRatio(a, ratio, tiny, config.RoundUp)
	if berr != nil {
		t.Fatalf("MulByRatio up: %v", berr)
	}
	if Cmp(up, zero) < 0 {
		t.Errorf("round up %+v should be >= round zero %+v", up, zero)
	}
}

func TestConversionRoundTrip(t *testing.T) {
	cfg := &config.ConversionConfig{
		Currency: "REGIO",
		Rates: map[config.Direction]config.ConversionRate{
			config.DirectionCashin: {
				RatioVal:     1,
				RatioFrac:    0,
				FeeVal:       0,
				FeeFrac:      0,
				TinyVal:      0,
				TinyFrac:     1,
				MinAmountVal: 0,
				MinAmountFrac: 100,
				RoundingMode: config.RoundZero,
			},
		},
	}

	in := Amount{Val: 5, Frac: 0}
	to, berr := To(cfg, config.DirectionCashin, in)
	if berr != nil {
		t.Fatalf("To: %v", berr)
	}
	if to.TooSmall || to.NoConfig {
		t.Fatalf("unexpected outcome flags: %+v", to)
	}

	from, berr := From(cfg, config.DirectionCashin, to.Amount)
	if berr != nil {
		t.Fatalf("From: %v", berr)
	}

	// invariant 7: from(to(amount)) >= amount, with equality when
	// rounding mode is zero and there is no fee (as configured here).
	if Cmp(from.Amount, in) != 0 {
		t.Errorf("round trip with zero fee/ratio 1 should be exact: got %+v, want %+v", from.Amount, in)
	}
}

func TestConversionTooSmall(t *testing.T) {
	cfg := &config.ConversionConfig{
		Rates: map[config.Direction]config.ConversionRate{
			config.DirectionCashout: {
				RatioVal: 1, TinyFrac: 1,
				MinAmountVal: 10,
				RoundingMode: config.RoundZero,
			},
		},
	}

	out, berr := To(cfg, config.DirectionCashout, Amount{Val: 1, Frac: 0})
	if berr != nil {
		t.Fatalf("To: %v", berr)
	}
	if !out.TooSmall {
		t.Error("expected too_small for amount below min_amount")
	}
}

func TestConversionNoConfig(t *testing.T) {
	cfg := &config.ConversionConfig{Rates: map[config.Direction]config.ConversionRate{}}

	out, berr := To(cfg, config.DirectionCashin, Amount{Val: 1, Frac: 0})
	if berr != nil {
		t.Fatalf("To: %v", berr)
	}
	if !out.NoConfig {
		t.Error("expected no_config when direction is unconfigured")
	}
}

func TestStringTrimsTrailingZeros(t *testing.T) {
	tests := []struct {
		a    Amount
		want string
	}{
		{Amount{1, 0}, "1"},
		{Amount{1, 50000000}, "1.5"},
		{Amount{0, 1}, "0.00000001"},
	}
	for _, tt := range tests {
		if got := tt.a.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}
