package matching_test

import (
	"testing"

	"github.com/warp/match-engine/matching"
)

func TestMoney_ExactDecimalArithmetic(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.3 - the classic binary-float trap.
	a := matching.MustMoney("0.10", matching.GBP)
	b := matching.MustMoney("0.20", matching.GBP)
	if got := a.Add(b); !got.Equal(matching.MustMoney("0.30", matching.GBP)) {
		t.Errorf("0.10 + 0.20 = %s, want 0.30 GBP", got)
	}

	sum := matching.Zero(matching.GBP)
	for i := 0; i < 100; i++ {
		sum = sum.Add(matching.MustMoney("0.01", matching.GBP))
	}
	if !sum.Equal(matching.MustMoney("1.00", matching.GBP)) {
		t.Errorf("100 * 0.01 = %s, want 1.00 GBP", sum)
	}
}

func TestMoney_MinorUnitsRoundTrip(t *testing.T) {
	cases := []struct {
		str   string
		units int64
	}{
		{"0.00", 0},
		{"0.01", 1},
		{"10.50", 1050},
		{"500.00", 50000},
		{"-3.25", -325},
	}
	for _, c := range cases {
		m := matching.MustMoney(c.str, matching.GBP)
		if got := m.MinorUnits(); got != c.units {
			t.Errorf("%s MinorUnits() = %d, want %d", c.str, got, c.units)
		}
		back := matching.MoneyFromMinorUnits(c.units, matching.GBP)
		if !back.Equal(m) {
			t.Errorf("MoneyFromMinorUnits(%d) = %s, want %s", c.units, back, m)
		}
	}
}

func TestMoney_EqualAtCents(t *testing.T) {
	a := matching.MustMoney("10.00", matching.GBP)
	b := matching.MustMoney("10.001", matching.GBP)
	c := matching.MustMoney("10.01", matching.GBP)

	if !a.EqualAtCents(b) {
		t.Error("sub-cent residue must compare equal at minor-unit precision")
	}
	if a.EqualAtCents(c) {
		t.Error("a full cent of drift must not compare equal")
	}
	if a.EqualAtCents(matching.MustMoney("10.00", matching.USD)) {
		t.Error("amounts in different currencies are never equal")
	}
}

func TestMoney_CrossCurrencyArithmeticPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("adding GBP to USD must panic")
		}
	}()
	_ = matching.MustMoney("1.00", matching.GBP).Add(matching.MustMoney("1.00", matching.USD))
}

func TestMoney_MinAndComparisons(t *testing.T) {
	small := matching.MustMoney("2.50", matching.EUR)
	big := matching.MustMoney("7.50", matching.EUR)

	if got := big.Min(small); !got.Equal(small) {
		t.Errorf("Min = %s, want %s", got, small)
	}
	if !small.LessThan(big) || !big.GreaterThan(small) {
		t.Error("comparison operators disagree with the obvious ordering")
	}
	if !small.Sub(big).IsNegative() {
		t.Error("2.50 - 7.50 must be negative")
	}
}

func TestMoneyFromString_RejectsGarbage(t *testing.T) {
	if _, err := matching.MoneyFromString("ten pounds", matching.GBP); err == nil {
		t.Error("non-numeric input must fail to parse")
	}
}
