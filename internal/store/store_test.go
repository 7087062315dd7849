package store

import (
	"testing"

	"marketdata/internal/canonical"
)

func TestRowRoundTrip(t *testing.T) {
	t.Parallel()

	bar := canonical.Bar{
		Source: "massive", Symbol: "ESZ4", Interval: "1m", TS: 1734484200,
		Open: 6050.25, High: 6051, Low: 6049.5, Close: 6050.75, Volume: 1532,
	}
	if got := toRow(bar).bar(); got != bar {
		t.Fatalf("round trip changed bar: %+v", got)
	}
}
