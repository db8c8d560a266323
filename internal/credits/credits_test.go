package credits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr error
	}{
		{"2.5", "2.50", nil},
		{"0", "0.00", nil},
		{"10", "10.00", nil},
		{"1.234", "", ErrTooManyDecimals},
		{"-1", "", ErrInvalidAmount},
		{"abc", "", ErrInvalidAmount},
		{"", "", ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := Parse(tc.input)
		if err != tc.wantErr {
			t.Fatalf("Parse(%q) error = %v, want %v", tc.input, err, tc.wantErr)
		}
		if err == nil && Format(got) != tc.want {
			t.Fatalf("Parse(%q) = %s, want %s", tc.input, Format(got), tc.want)
		}
	}
}

func TestImageCostSmallTier(t *testing.T) {
	cost := ImageCost(5 * 1024 * 1024)
	if !cost.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected flat cost 1 for 5MB, got %s", cost)
	}
}

func TestImageCostScalesAboveThreshold(t *testing.T) {
	cost := ImageCost(20 * 1024 * 1024)
	want := decimal.NewFromInt(4)
	if !cost.Equal(want) {
		t.Fatalf("expected cost %s for 20MB, got %s", want, cost)
	}
}

func TestImageCostBoundary(t *testing.T) {
	below := ImageCost(10*1024*1024 - 1)
	if !below.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected flat cost just below threshold, got %s", below)
	}
	at := ImageCost(10 * 1024 * 1024)
	if !at.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected scaled cost 2 at threshold, got %s", at)
	}
}
