package transfer

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"1", 1_000_000_000},
		{"1.5", 1_500_000_000},
		{"0.011", 11_000_000},
		{"0.000000001", 1},
		{".25", 250_000_000},
		{"42.", 42_000_000_000},
		{" 3 ", 3_000_000_000},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.raw)
		if err != nil {
			t.Errorf("ParseAmount(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestParseAmountRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"", "-1", "+1", "1.0000000001", "abc", "1.2.3", "1e9"} {
		if _, err := ParseAmount(raw); err == nil {
			t.Errorf("ParseAmount(%q) should fail", raw)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		base int64
		want string
	}{
		{1_000_000_000, "1"},
		{1_500_000_000, "1.5"},
		{11_000_000, "0.011"},
		{1, "0.000000001"},
		{0, "0"},
		{-2_500_000_000, "-2.5"},
	}
	for _, tc := range cases {
		if got := FormatAmount(tc.base); got != tc.want {
			t.Errorf("FormatAmount(%d) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, raw := range []string{"0.04", "12.345678901", "7"} {
		base, err := ParseAmount(raw)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", raw, err)
		}
		back, err := ParseAmount(FormatAmount(base))
		if err != nil {
			t.Fatalf("re-parse: %v", err)
		}
		if back != base {
			t.Errorf("round trip %q: %d != %d", raw, back, base)
		}
	}
}
