package income

import (
	"math/big"
	"testing"
)

func TestScaleUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		want     string
		wantErr  bool
	}{
		{"1", 12, "1000000000000", false},
		{"0.5", 12, "500000000000", false},
		{" 2.25 ", 2, "225", false},
		{"0", 12, "0", false},
		{"0.001", 2, "", true},
		{"-1", 12, "", true},
		{"abc", 12, "", true},
	}
	for _, tc := range tests {
		got, err := ScaleUnits(tc.in, tc.decimals)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ScaleUnits(%q, %d): expected error, got %s", tc.in, tc.decimals, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ScaleUnits(%q, %d): %v", tc.in, tc.decimals, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ScaleUnits(%q, %d) = %s, want %s", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		amount int64
		want   string
	}{
		{1_000_000_000_000, "1.00"},
		{1_234_567_890_000, "1.23"},
		{5_000_000_000, "0.01"},
		{0, "0.00"},
	}
	for _, tc := range tests {
		if got := FormatUnits(big.NewInt(tc.amount), 12); got != tc.want {
			t.Errorf("FormatUnits(%d) = %q, want %q", tc.amount, got, tc.want)
		}
	}
	if got := FormatUnits(nil, 12); got != "0.00" {
		t.Errorf("FormatUnits(nil) = %q", got)
	}
}

func TestSignal_overwriteAndReset(t *testing.T) {
	s := NewSignal()
	if _, ok := s.Take(); ok {
		t.Fatal("new signal should be empty")
	}

	if s.Raise(Income{From: "A", Amount: big.NewInt(1)}) {
		t.Error("first raise reported an overwrite")
	}
	if !s.Raise(Income{From: "B", Amount: big.NewInt(2)}) {
		t.Error("second raise should overwrite the pending income")
	}

	in, ok := s.Take()
	if !ok || in.From != "B" {
		t.Errorf("Take = %+v, %v; want last write B", in, ok)
	}
	if _, ok := s.Take(); ok {
		t.Error("signal should be reset after Take")
	}
}
