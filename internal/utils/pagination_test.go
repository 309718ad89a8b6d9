package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		{"", 10, 10},
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		{"x", 5, 5},
		{" 42", 7, 7}, // no trimming
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestClampInt(t *testing.T) {
	cases := []struct {
		v, min, max, want int
	}{
		{5, 1, 10, 5},
		{0, 1, 10, 1},
		{11, 1, 10, 10},
		{1, 1, 10, 1},
		{10, 1, 10, 10},
		{-50, -10, -1, -10},
	}

	for _, tc := range cases {
		if got := ClampInt(tc.v, tc.min, tc.max); got != tc.want {
			t.Fatalf("ClampInt(%d, %d, %d) = %d; want %d", tc.v, tc.min, tc.max, got, tc.want)
		}
	}
}
