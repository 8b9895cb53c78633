package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabsync/backend/internal/protocol"
)

// SyncFunc 收到的永远是文档当前完整的在线集合
type SyncFunc func(docID string, records []protocol.PresenceRecord)

// Tracker 维护每个文档的在线协作者，记录只存在于连接生命周期内，不落库
type Tracker interface {
	// Track 写入/刷新某个会话的 presence，并通知所有节点
	Track(ctx context.Context, docID, sessionKey string, rec protocol.PresenceRecord) error
	Untrack(ctx context.Context, docID, sessionKey string) error
	Snapshot(ctx context.Context, docID string) ([]protocol.PresenceRecord, error)
	// Subscribe 订阅成功后返回，之后在后台回调 fn 直到 ctx 结束
	Subscribe(ctx context.Context, fn SyncFunc) error
	// Resync 重新广播这些文档的快照，过期会话借此消失
	Resync(ctx context.Context, docIDs []string) error
}

var ErrEmptyDocID = errors.New("presence: empty document id")

// 清理过期成员并返回在线成员的 record
// KEYS[1] = roomKey(docID)
// KEYS[2] = recordsKey(docID)
// ARGV[1] = now (unix seconds)
const snapshotScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
local alive = redis.call("ZRANGEBYSCORE", KEYS[1], "(" .. ARGV[1], "+inf")
if #alive == 0 then
	return {}
end
return redis.call("HMGET", KEYS[2], unpack(alive))
`

var snapshot = redis.NewScript(snapshotScript)

// 具体实现：基于 redis 的 Tracker
type RedisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, now: time.Now}
}

func (p *RedisPresence) Track(ctx context.Context, docID, sessionKey string, rec protocol.PresenceRecord) error {
	if docID == "" {
		return ErrEmptyDocID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// 刷新 TTL 也直接调用 Track
	expireAt := p.now().Add(p.ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionKey})
	tx.HSet(ctx, recordsKey(docID), sessionKey, data)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("track %s: %w", docID, err)
	}
	return p.publish(ctx, docID)
}

func (p *RedisPresence) Untrack(ctx context.Context, docID, sessionKey string) error {
	if docID == "" {
		return ErrEmptyDocID
	}
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionKey)
	tx.HDel(ctx, recordsKey(docID), sessionKey)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("untrack %s: %w", docID, err)
	}
	return p.publish(ctx, docID)
}

func (p *RedisPresence) publish(ctx context.Context, docID string) error {
	return p.rdb.Publish(ctx, syncChannel(docID), docID).Err()
}

func (p *RedisPresence) Snapshot(ctx context.Context, docID string) ([]protocol.PresenceRecord, error) {
	if docID == "" {
		return nil, ErrEmptyDocID
	}
	now := strconv.FormatInt(p.now().Unix(), 10)
	vals, err := snapshot.Run(ctx, p.rdb, []string{roomKey(docID), recordsKey(docID)}, now).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("snapshot %s: %w", docID, err)
	}
	return decodeRecords(vals), nil
}

func decodeRecords(vals []any) []protocol.PresenceRecord {
	recs := make([]protocol.PresenceRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec protocol.PresenceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			log.Printf("presence: skip bad record: %v", err)
			continue
		}
		recs = append(recs, rec)
	}
	return dedupe(recs)
}

func (p *RedisPresence) Subscribe(ctx context.Context, fn SyncFunc) error {
	sub := p.rdb.PSubscribe(ctx, syncPattern)
	// 等订阅确认，保证返回之后的 publish 都能收到
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("presence subscribe: %w", err)
	}
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				docID := msg.Payload
				recs, err := p.Snapshot(ctx, docID)
				if err != nil {
					log.Printf("presence snapshot error (doc=%s): %v", docID, err)
					continue
				}
				fn(docID, recs)
			}
		}
	}()
	return nil
}

func (p *RedisPresence) Resync(ctx context.Context, docIDs []string) error {
	var errs []error
	for _, docID := range docIDs {
		if err := p.publish(ctx, docID); err != nil {
			errs = append(errs, fmt.Errorf("resync %s: %w", docID, err))
		}
	}
	return errors.Join(errs...)
}
