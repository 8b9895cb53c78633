package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabsync/backend/internal/protocol"
)

// LocalPresence 是单进程版本，没有 Redis 时用（开发、单测）
type LocalPresence struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	rooms map[string]map[string]localEntry
	subs  []SyncFunc
}

type localEntry struct {
	rec      protocol.PresenceRecord
	expireAt time.Time
}

func NewLocalPresence(ttl time.Duration) *LocalPresence {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &LocalPresence{ttl: ttl, now: time.Now, rooms: make(map[string]map[string]localEntry)}
}

func (p *LocalPresence) Track(ctx context.Context, docID, sessionKey string, rec protocol.PresenceRecord) error {
	if docID == "" {
		return ErrEmptyDocID
	}
	p.mu.Lock()
	room := p.rooms[docID]
	if room == nil {
		room = make(map[string]localEntry)
		p.rooms[docID] = room
	}
	room[sessionKey] = localEntry{rec: rec, expireAt: p.now().Add(p.ttl)}
	p.mu.Unlock()
	p.notify(docID)
	return nil
}

func (p *LocalPresence) Untrack(ctx context.Context, docID, sessionKey string) error {
	if docID == "" {
		return ErrEmptyDocID
	}
	p.mu.Lock()
	if room, ok := p.rooms[docID]; ok {
		delete(room, sessionKey)
		if len(room) == 0 {
			delete(p.rooms, docID)
		}
	}
	p.mu.Unlock()
	p.notify(docID)
	return nil
}

func (p *LocalPresence) Snapshot(ctx context.Context, docID string) ([]protocol.PresenceRecord, error) {
	if docID == "" {
		return nil, ErrEmptyDocID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(docID), nil
}

func (p *LocalPresence) snapshotLocked(docID string) []protocol.PresenceRecord {
	now := p.now()
	room := p.rooms[docID]
	keys := make([]string, 0, len(room))
	for k, e := range room {
		if !e.expireAt.After(now) {
			delete(room, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	recs := make([]protocol.PresenceRecord, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, room[k].rec)
	}
	return dedupe(recs)
}

// 同一用户多个标签页只保留一条，按 userId 排序
func dedupe(recs []protocol.PresenceRecord) []protocol.PresenceRecord {
	seen := make(map[string]struct{}, len(recs))
	out := make([]protocol.PresenceRecord, 0, len(recs))
	for _, rec := range recs {
		if _, dup := seen[rec.UserID]; dup {
			continue
		}
		seen[rec.UserID] = struct{}{}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *LocalPresence) Subscribe(ctx context.Context, fn SyncFunc) error {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
	return nil
}

func (p *LocalPresence) Resync(ctx context.Context, docIDs []string) error {
	for _, docID := range docIDs {
		p.notify(docID)
	}
	return nil
}

func (p *LocalPresence) notify(docID string) {
	p.mu.Lock()
	recs := p.snapshotLocked(docID)
	subs := append([]SyncFunc(nil), p.subs...)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(docID, recs)
	}
}
