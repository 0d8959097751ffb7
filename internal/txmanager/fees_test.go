package txmanager

import (
	"errors"
	"math"
	"math/big"
	"testing"
)

func TestCalc1559Fees(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name              string
		base, tip, minTip int64
		wantTip, wantFee  int64
	}{
		{"min tip floors suggestion", 100, 2, 5, 5, 205},
		{"suggestion above floor", 100, 7, 5, 7, 207},
		{"zero base fee", 0, 3, 0, 3, 3},
	}
	for _, tc := range cases {
		tip, fee, err := Calc1559Fees(big.NewInt(tc.base), big.NewInt(tc.tip), big.NewInt(tc.minTip))
		if err != nil {
			t.Fatalf("%s: Calc1559Fees: %v", tc.name, err)
		}
		if tip.Int64() != tc.wantTip || fee.Int64() != tc.wantFee {
			t.Fatalf("%s: got tip=%s fee=%s want tip=%d fee=%d", tc.name, tip, fee, tc.wantTip, tc.wantFee)
		}
	}
}

func TestCalc1559Fees_InvalidArgs(t *testing.T) {
	t.Parallel()

	if _, _, err := Calc1559Fees(nil, big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("nil base: got %v", err)
	}
	if _, _, err := Calc1559Fees(big.NewInt(1), big.NewInt(-1), big.NewInt(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("negative tip: got %v", err)
	}
}

func TestCalc1559Fees_DoesNotAliasInputs(t *testing.T) {
	t.Parallel()

	minTip := big.NewInt(5)
	tip, _, err := Calc1559Fees(big.NewInt(1), big.NewInt(1), minTip)
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	tip.SetInt64(99)
	if minTip.Int64() != 5 {
		t.Fatalf("min tip mutated: %s", minTip)
	}
}

func TestApplyGasMultiplier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		est  uint64
		mult float64
		want uint64
	}{
		{21000, 0, 21000},
		{21000, 1, 21000},
		{21000, 1.5, 31500},
		{10, 1.01, 11},
		{math.MaxUint64, 2, math.MaxUint64},
	}
	for _, tc := range cases {
		if got := applyGasMultiplier(tc.est, tc.mult); got != tc.want {
			t.Fatalf("applyGasMultiplier(%d, %v): got %d want %d", tc.est, tc.mult, got, tc.want)
		}
	}
}
