package lsn

import "testing"

func TestAligned(t *testing.T) {
	tests := []struct {
		l    Lsn
		want bool
	}{
		{0, true},
		{8, true},
		{16, true},
		{1, false},
		{7, false},
		{9, false},
	}
	for _, tc := range tests {
		if got := tc.l.Aligned(); got != tc.want {
			t.Errorf("Lsn(%d).Aligned() = %v, want %v", tc.l, got, tc.want)
		}
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Start: 100, End: 200}
	tests := []struct {
		l    Lsn
		want bool
	}{
		{99, false},
		{100, true},
		{150, true},
		{199, true},
		{200, false},
	}
	for _, tc := range tests {
		if got := r.Contains(tc.l); got != tc.want {
			t.Errorf("Range{100,200}.Contains(%d) = %v, want %v", tc.l, got, tc.want)
		}
	}
}

func TestMaxIsAboveEverything(t *testing.T) {
	if Max < 1<<62 {
		t.Fatalf("Max sentinel is not the largest possible Lsn: %d", Max)
	}
}
