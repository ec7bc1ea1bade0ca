package model

import "testing"

func TestParseInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Interval
	}{
		{"1h30m", 5_400_000},
		{"1s", 1000},
		{"500ms", 500},
		{"1d", uint64ToInterval(86_400_000)},
		{"2w", 2 * Week},
	}
	for _, c := range cases {
		got, err := ParseInterval(c.in)
		if err != nil {
			t.Fatalf("ParseInterval(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseInterval(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func uint64ToInterval(n uint64) Interval { return Interval(n) }

func TestParseIntervalInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "abc", "1x", "1h garbage"} {
		if _, err := ParseInterval(in); err == nil {
			t.Errorf("ParseInterval(%q) expected error, got nil", in)
		}
	}
}

func TestFloorCeilToMultiple(t *testing.T) {
	t.Parallel()
	ts := Timestamp(3_700_000) // 1h01m40s
	if got := ts.FloorToMultiple(Hour); got != 3_600_000 {
		t.Errorf("FloorToMultiple(Hour) = %d, want 3600000", got)
	}
	if got := ts.CeilToMultiple(Hour); got != 7_200_000 {
		t.Errorf("CeilToMultiple(Hour) = %d, want 7200000", got)
	}
	aligned := Timestamp(7_200_000)
	if got := aligned.FloorToMultiple(Hour); got != aligned {
		t.Errorf("FloorToMultiple on aligned ts changed value: %d", got)
	}
	if got := aligned.CeilToMultiple(Hour); got != aligned {
		t.Errorf("CeilToMultiple on aligned ts changed value: %d", got)
	}
}
