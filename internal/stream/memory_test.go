package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var inspectGroups uint64

// readAll returns every entry of stream through a throwaway group, oldest first.
func readAll(t *testing.T, q Queue, stream string) []Entry {
	t.Helper()
	ctx := context.Background()
	group := fmt.Sprintf("inspect-%d", atomic.AddUint64(&inspectGroups, 1))
	if err := q.EnsureGroup(ctx, stream, group); err != nil {
		t.Fatalf("inspect group: %v", err)
	}
	out, err := q.ReadGroup(ctx, stream, group, "inspector", 0, 0)
	if err != nil {
		t.Fatalf("inspect read: %v", err)
	}
	return out
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryGroupDeliversEachEntryOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	if err := q.EnsureGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("second ensure group must be a no-op, got %v", err)
	}

	id1, _ := q.Append(ctx, "s", 0, map[string]string{"n": "1"})
	id2, _ := q.Append(ctx, "s", 0, map[string]string{"n": "2"})

	first, err := q.ReadGroup(ctx, "s", "g", "c1", 1, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(first) != 1 || first[0].ID != id1 || first[0].Fields["n"] != "1" {
		t.Fatalf("expected first entry %s, got %+v", id1, first)
	}

	second, _ := q.ReadGroup(ctx, "s", "g", "c2", 10, 0)
	if len(second) != 1 || second[0].ID != id2 {
		t.Fatalf("expected only %s for second consumer, got %+v", id2, second)
	}

	again, _ := q.ReadGroup(ctx, "s", "g", "c1", 10, 0)
	if len(again) != 0 {
		t.Fatalf("expected no new entries, got %+v", again)
	}
}

func TestMemoryReadGroupWithoutGroup(t *testing.T) {
	q := NewMemory()
	if _, err := q.ReadGroup(context.Background(), "s", "missing", "c", 1, 0); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}
}

func TestMemoryGroupStartsAtOrigin(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_, _ = q.Append(ctx, "s", 0, map[string]string{"n": "early"})

	_ = q.EnsureGroup(ctx, "s", "late")
	got, _ := q.ReadGroup(ctx, "s", "late", "c", 10, 0)
	if len(got) != 1 || got[0].Fields["n"] != "early" {
		t.Fatalf("expected group created at origin to see existing entries, got %+v", got)
	}
}

func TestMemoryBlockingReadWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.EnsureGroup(ctx, "s", "g")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Append(ctx, "s", 0, map[string]string{"k": "v"})
	}()

	got, err := q.ReadGroup(ctx, "s", "g", "c", 1, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected blocking read to return the appended entry, got %+v", got)
	}
}

func TestMemoryBlockingReadTimesOut(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	_ = q.EnsureGroup(ctx, "s", "g")

	start := time.Now()
	got, err := q.ReadGroup(ctx, "s", "g", "c", 1, 30*time.Millisecond)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty timeout result, got %+v err=%v", got, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected read to wait for the block timeout")
	}
}

func TestMemoryApproximateTrimKeepsStreamBounded(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	const maxLen = 10000

	for i := 0; i < maxLen+500; i++ {
		if _, err := q.Append(ctx, "raw", maxLen, map[string]string{"i": "x"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, _ := q.Len(ctx, "raw")
	if n < maxLen || n > maxLen+trimSlack(maxLen) {
		t.Fatalf("expected length within [%d, %d], got %d", maxLen, maxLen+trimSlack(maxLen), n)
	}
}

func TestMemoryPendingAndClaim(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := NewMemory()
	q.now = clock.now
	_ = q.EnsureGroup(ctx, "s", "g")

	id, _ := q.Append(ctx, "s", 0, map[string]string{"k": "v"})
	_, _ = q.ReadGroup(ctx, "s", "g", "dead-replica", 1, 0)

	if p, _ := q.Pending(ctx, "s", "g", time.Minute, 10); len(p) != 0 {
		t.Fatalf("expected fresh entry not to be idle yet, got %+v", p)
	}

	clock.advance(2 * time.Minute)
	p, err := q.Pending(ctx, "s", "g", time.Minute, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(p) != 1 || p[0].ID != id || p[0].Consumer != "dead-replica" || p[0].Deliveries != 1 {
		t.Fatalf("unexpected pending list: %+v", p)
	}

	claimed, err := q.Claim(ctx, "s", "g", "live", time.Minute, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Fields["k"] != "v" {
		t.Fatalf("expected claimed entry with fields, got %+v", claimed)
	}

	// just claimed, no longer idle
	if again, _ := q.Claim(ctx, "s", "g", "other", time.Minute, id); len(again) != 0 {
		t.Fatalf("expected claim of a fresh entry to be refused, got %+v", again)
	}

	clock.advance(2 * time.Minute)
	p, _ = q.Pending(ctx, "s", "g", time.Minute, 10)
	if len(p) != 1 || p[0].Consumer != "live" || p[0].Deliveries != 2 {
		t.Fatalf("expected ownership moved and delivery count bumped, got %+v", p)
	}

	_ = q.Ack(ctx, "s", "g", id)
	if p, _ := q.Pending(ctx, "s", "g", 0, 10); len(p) != 0 {
		t.Fatalf("expected empty pending list after ack, got %+v", p)
	}
}

func TestMemoryClaimOfTrimmedEntryDropsIt(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := NewMemory()
	q.now = clock.now
	_ = q.EnsureGroup(ctx, "s", "g")

	id, _ := q.Append(ctx, "s", 1, map[string]string{"n": "0"})
	_, _ = q.ReadGroup(ctx, "s", "g", "c", 1, 0)
	for i := 0; i < 5; i++ {
		_, _ = q.Append(ctx, "s", 1, map[string]string{"n": "more"})
	}

	clock.advance(time.Hour)
	if got, _ := q.Claim(ctx, "s", "g", "c2", time.Minute, id); len(got) != 0 {
		t.Fatalf("expected trimmed entry not to be returned, got %+v", got)
	}
	for _, p := range mustPending(t, q) {
		if p.ID == id {
			t.Fatalf("expected trimmed entry removed from pending list")
		}
	}
}

func mustPending(t *testing.T, q *Memory) []Pending {
	t.Helper()
	p, err := q.Pending(context.Background(), "s", "g", 0, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return p
}

func TestMemoryMarksExpire(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m := NewMemoryMarks()
	m.now = clock.now

	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatalf("expected unseen key")
	}
	_ = m.Mark(ctx, "k", time.Minute)
	if seen, _ := m.Seen(ctx, "k"); !seen {
		t.Fatalf("expected key marked")
	}
	clock.advance(2 * time.Minute)
	if seen, _ := m.Seen(ctx, "k"); seen {
		t.Fatalf("expected mark to expire")
	}
}
