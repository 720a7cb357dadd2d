package stats

import (
	"testing"
	"time"
)

func TestTruncateHour(t *testing.T) {
	in := time.Date(2026, 7, 31, 14, 42, 7, 0, time.UTC)
	want := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	if got := truncate(in, TimeframeHour); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTruncateDay(t *testing.T) {
	in := time.Date(2026, 7, 31, 14, 42, 7, 0, time.UTC)
	want := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	if got := truncate(in, TimeframeDay); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTruncateMonth(t *testing.T) {
	in := time.Date(2026, 7, 31, 14, 42, 7, 0, time.UTC)
	want := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if got := truncate(in, TimeframeMonth); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTruncateYear(t *testing.T) {
	in := time.Date(2026, 7, 31, 14, 42, 7, 0, time.UTC)
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := truncate(in, TimeframeYear); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTruncateNormalizesNonUTCInput(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	in := time.Date(2026, 7, 31, 23, 0, 0, 0, loc) // 14:00 UTC
	want := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	if got := truncate(in, TimeframeHour); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCountColumnCoversAllKinds(t *testing.T) {
	cases := map[kind]string{
		kindCashin:   "cashin_count",
		kindCashout:  "cashout_count",
		kindTalerIn:  "taler_in_count",
		kindTalerOut: "taler_out_count",
	}
	for k, want := range cases {
		if got := countColumn(k); got != want {
			t.Errorf("countColumn(%s) = %s, want %s", k, got, want)
		}
	}
}

func TestVolumeColumnsOmitsFiatForTalerKinds(t *testing.T) {
	_, _, fiatVal, fiatFrac := volumeColumns(kindTalerIn)
	if fiatVal != "" || fiatFrac != "" {
		t.Errorf("taler_in should have no fiat columns, got %q %q", fiatVal, fiatFrac)
	}
	_, _, fiatVal, fiatFrac = volumeColumns(kindCashin)
	if fiatVal == "" || fiatFrac == "" {
		t.Errorf("cashin should carry fiat columns")
	}
}
