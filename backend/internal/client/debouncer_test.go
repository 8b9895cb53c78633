package client

import (
	"testing"
	"time"

	"collabsync/backend/internal/ot/delta"
)

func snap(text string) Snapshot {
	d := delta.FromText(text)
	return Snapshot{Contents: d, Length: d.Length()}
}

func TestDebouncer_ScheduleReplacesPending(t *testing.T) {
	clock := newFakeClock()
	var saved []string
	d := NewDebouncer(clock, 100*time.Millisecond, nil, func(s Snapshot) {
		saved = append(saved, s.Contents.Text())
	})

	d.Schedule(snap("a\n"))
	clock.Advance(60 * time.Millisecond)
	d.Schedule(snap("ab\n"))
	clock.Advance(60 * time.Millisecond)
	if len(saved) != 0 || !d.Pending() {
		t.Fatalf("saved = %v, pending = %v", saved, d.Pending())
	}
	clock.Advance(40 * time.Millisecond)
	if len(saved) != 1 || saved[0] != "ab\n" || d.Pending() {
		t.Fatalf("saved = %v, pending = %v", saved, d.Pending())
	}
}

func TestDebouncer_CancelAndFlush(t *testing.T) {
	clock := newFakeClock()
	var saved []string
	d := NewDebouncer(clock, 100*time.Millisecond, nil, func(s Snapshot) {
		saved = append(saved, s.Contents.Text())
	})

	d.Schedule(snap("a\n"))
	d.Cancel()
	clock.Advance(time.Second)
	if len(saved) != 0 || d.Pending() {
		t.Fatalf("cancelled snapshot saved: %v", saved)
	}

	if d.FlushNow() {
		t.Fatal("FlushNow with nothing pending returned true")
	}
	d.Schedule(snap("b\n"))
	if !d.FlushNow() || len(saved) != 1 || saved[0] != "b\n" {
		t.Fatalf("FlushNow saved = %v", saved)
	}
	clock.Advance(time.Second)
	if len(saved) != 1 {
		t.Fatalf("timer fired after flush: %v", saved)
	}
}

func TestDebouncer_StaleFireIgnored(t *testing.T) {
	clock := newFakeClock()
	var queue []func()
	var saved []string
	// 回调先排队，模拟事件循环还没轮到它
	d := NewDebouncer(clock, 100*time.Millisecond, func(f func()) { queue = append(queue, f) }, func(s Snapshot) {
		saved = append(saved, s.Contents.Text())
	})

	d.Schedule(snap("a\n"))
	clock.Advance(100 * time.Millisecond)
	d.Schedule(snap("ab\n"))
	for _, f := range queue {
		f()
	}
	if len(saved) != 0 {
		t.Fatalf("stale timer saved %v", saved)
	}

	queue = nil
	clock.Advance(100 * time.Millisecond)
	for _, f := range queue {
		f()
	}
	if len(saved) != 1 || saved[0] != "ab\n" {
		t.Fatalf("saved = %v", saved)
	}
}

func TestSnapshot_Empty(t *testing.T) {
	if !snap("\n").Empty() || snap("x\n").Empty() {
		t.Fatal("Empty() should only hold for the bare newline document")
	}
}
