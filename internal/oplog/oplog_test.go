package oplog

import (
	"errors"
	"testing"
)

func TestOpTimeOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b OpTime
		less bool
	}{
		{
			name: "earlier seconds",
			a:    OpTime{Secs: 1, Counter: 9},
			b:    OpTime{Secs: 2, Counter: 0},
			less: true,
		},
		{
			name: "same second earlier counter",
			a:    OpTime{Secs: 5, Counter: 1},
			b:    OpTime{Secs: 5, Counter: 2},
			less: true,
		},
		{
			name: "equal",
			a:    OpTime{Secs: 5, Counter: 1},
			b:    OpTime{Secs: 5, Counter: 1},
			less: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.less {
				t.Errorf("%s.Less(%s) = %v, want %v", tt.a, tt.b, got, tt.less)
			}
		})
	}
}

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	prev := c.Next()
	for i := 0; i < 1000; i++ {
		next := c.Next()
		if !prev.Less(next) {
			t.Fatalf("clock went backwards: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestClockObserve(t *testing.T) {
	c := NewClock()
	remote := OpTime{Secs: 1<<31 + 7, Counter: 3}
	c.Observe(remote)
	if next := c.Next(); !remote.Less(next) {
		t.Errorf("Next() = %s, must sort after observed %s", next, remote)
	}
}

func TestLogTailSince(t *testing.T) {
	l := NewLog(0)
	c := NewClock()
	var stamps []OpTime
	for i := 0; i < 5; i++ {
		ts := c.Next()
		stamps = append(stamps, ts)
		l.Append(Entry{TS: ts, Op: Insert, NS: "db.c"})
	}

	all, err := l.TailSince(OpTime{})
	if err != nil {
		t.Fatalf("TailSince(zero): %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("tail from zero returned %d entries, want 5", len(all))
	}

	tail, err := l.TailSince(stamps[3])
	if err != nil {
		t.Fatalf("TailSince(%s): %v", stamps[3], err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail from stamps[3] returned %d entries, want 2 (inclusive)", len(tail))
	}
	if tail[0].TS != stamps[3] {
		t.Errorf("tail starts at %s, want %s", tail[0].TS, stamps[3])
	}
}

func TestLogTruncation(t *testing.T) {
	l := NewLog(3)
	c := NewClock()
	var stamps []OpTime
	for i := 0; i < 6; i++ {
		ts := c.Next()
		stamps = append(stamps, ts)
		l.Append(Entry{TS: ts, Op: Insert, NS: "db.c"})
	}

	// The oldest three entries are gone; a tail from before the
	// truncation point must fail instead of skipping them.
	if _, err := l.TailSince(stamps[0]); !errors.Is(err, ErrTruncated) {
		t.Errorf("TailSince(pre-truncation) = %v, want ErrTruncated", err)
	}

	tail, err := l.TailSince(stamps[3])
	if err != nil {
		t.Fatalf("TailSince(at truncation point): %v", err)
	}
	if len(tail) != 3 {
		t.Errorf("tail returned %d entries, want 3", len(tail))
	}

	if l.Last() != stamps[5] {
		t.Errorf("Last() = %s, want %s", l.Last(), stamps[5])
	}
}
