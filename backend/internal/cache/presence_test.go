package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"collabsync/backend/internal/protocol"
)

func newTestPresence(t *testing.T) (*RedisPresence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisPresence(rdb, 30*time.Second), mr
}

func TestRedisPresence_TrackAndSnapshot(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	alice := protocol.PresenceRecord{UserID: "u1", DisplayName: "alice", ColorSeed: "u1"}
	bob := protocol.PresenceRecord{UserID: "u2", DisplayName: "bob", ColorSeed: "u2"}
	if err := p.Track(ctx, "doc-1", "s-a", alice); err != nil {
		t.Fatalf("Track error = %v", err)
	}
	if err := p.Track(ctx, "doc-1", "s-b", bob); err != nil {
		t.Fatalf("Track error = %v", err)
	}
	// 同一用户第二个标签页
	if err := p.Track(ctx, "doc-1", "s-a2", alice); err != nil {
		t.Fatalf("Track error = %v", err)
	}

	recs, err := p.Snapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if len(recs) != 2 || recs[0].UserID != "u1" || recs[1].UserID != "u2" {
		t.Fatalf("Snapshot = %+v, want u1,u2", recs)
	}

	if !mr.Exists(roomKey("doc-1")) || !mr.Exists(recordsKey("doc-1")) {
		t.Fatalf("presence keys missing")
	}

	if err := p.Untrack(ctx, "doc-1", "s-b"); err != nil {
		t.Fatalf("Untrack error = %v", err)
	}
	recs, _ = p.Snapshot(ctx, "doc-1")
	if len(recs) != 1 || recs[0].UserID != "u1" {
		t.Fatalf("Snapshot after untrack = %+v", recs)
	}
}

func TestRedisPresence_SnapshotPrunesExpired(t *testing.T) {
	p, mr := newTestPresence(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	_ = p.Track(ctx, "doc-1", "s-a", protocol.PresenceRecord{UserID: "u1"})
	now = now.Add(20 * time.Second)
	_ = p.Track(ctx, "doc-1", "s-b", protocol.PresenceRecord{UserID: "u2"})

	// s-a 在 30s 后过期，s-b 还活着
	now = now.Add(15 * time.Second)
	recs, err := p.Snapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Snapshot error = %v", err)
	}
	if len(recs) != 1 || recs[0].UserID != "u2" {
		t.Fatalf("Snapshot = %+v, want only u2", recs)
	}
	if fields, _ := mr.HKeys(recordsKey("doc-1")); len(fields) != 1 {
		t.Fatalf("records hash = %v, want expired entry removed", fields)
	}
}

func TestRedisPresence_SubscribeDeliversFullSet(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []protocol.PresenceRecord, 8)
	err := p.Subscribe(ctx, func(docID string, recs []protocol.PresenceRecord) {
		if docID == "doc-9" {
			got <- recs
		}
	})
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	_ = p.Track(ctx, "doc-9", "s-a", protocol.PresenceRecord{UserID: "u1"})
	_ = p.Track(ctx, "doc-9", "s-b", protocol.PresenceRecord{UserID: "u2"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case recs := <-got:
			if len(recs) == 2 {
				return
			}
		case <-deadline:
			t.Fatalf("no sync with the full set received")
		}
	}
}

func TestLocalPresence_NotifiesOnChange(t *testing.T) {
	p := NewLocalPresence(time.Minute)
	ctx := context.Background()

	var last []protocol.PresenceRecord
	_ = p.Subscribe(ctx, func(docID string, recs []protocol.PresenceRecord) { last = recs })

	_ = p.Track(ctx, "doc-1", "s-a", protocol.PresenceRecord{UserID: "u1"})
	_ = p.Track(ctx, "doc-1", "s-b", protocol.PresenceRecord{UserID: "u2"})
	if len(last) != 2 {
		t.Fatalf("last sync = %+v, want 2 records", last)
	}
	_ = p.Untrack(ctx, "doc-1", "s-a")
	if len(last) != 1 || last[0].UserID != "u2" {
		t.Fatalf("last sync = %+v, want u2 only", last)
	}
}
