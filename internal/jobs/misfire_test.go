package jobs

import (
	"context"
	"testing"
	"time"
)

func TestMisfired(t *testing.T) {
	due := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	grace := 60 * time.Second
	cases := []struct {
		name string
		due  time.Time
		now  time.Time
		want bool
	}{
		{"unknown due", time.Time{}, due, false},
		{"on time", due, due, false},
		{"within grace", due, due.Add(59 * time.Second), false},
		{"at grace", due, due.Add(grace), false},
		{"late", due, due.Add(61 * time.Second), true},
	}
	for _, tc := range cases {
		if got := misfired(tc.due, tc.now, grace); got != tc.want {
			t.Errorf("%s: misfired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFireSkipsMisfireAndAdvances(t *testing.T) {
	r, err := NewRunner(Config{}, nil, []Definition{{
		Name: "tick", Schedule: "*/5 * * * *",
		Func: func(context.Context) (string, error) { return "", nil },
	}}, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	now := time.Date(2026, 9, 2, 10, 7, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.nextDue["tick"] = time.Date(2026, 9, 2, 10, 5, 0, 0, time.UTC)

	// Two minutes late: skipped without touching the store (nil here).
	r.fire("tick")

	want := time.Date(2026, 9, 2, 10, 10, 0, 0, time.UTC)
	if got := r.nextDue["tick"]; !got.Equal(want) {
		t.Fatalf("nextDue = %s, want %s", got, want)
	}
	if r.RunningCount() != 0 {
		t.Fatal("misfired run executed")
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("  a\nb\n"); got != "a\nb" {
		t.Fatalf("short output = %q", got)
	}
}

func TestRoundDuration(t *testing.T) {
	if got := roundDuration(1249 * time.Millisecond); got != 1.2 {
		t.Fatalf("round = %v", got)
	}
	if got := roundDuration(1250 * time.Millisecond); got != 1.3 {
		t.Fatalf("round = %v", got)
	}
}
