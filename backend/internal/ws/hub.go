package ws

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/protocol"
)

// Member 是房间里的一个传输会话
type Member interface {
	SessionID() string
	// Deliver 可靠投递，返回 false 说明对端已经跟不上，需要关掉
	Deliver(msg []byte) bool
	// DeliverCursor 尽力投递，队列满直接丢
	DeliverCursor(msg []byte) bool
	Close()
	// Closed 为 true 表示成员已经在断开，投递失败不用再处理
	Closed() bool
}

type Hub struct {
	// presence 是在线状态的外部存储（一般是 Redis），Hub 只负责把快照推给房间成员
	presence cache.Tracker
	// sink 接收每次转发的变更，可以为 nil
	sink collab.OpSink

	// 读写锁保护 rooms；房间内部的成员表由房间自己的锁保护
	mu        sync.RWMutex
	rooms     map[string]*room
	inboxSize int
}

type HubOptions struct {
	InboxSize int
}

func NewHub(p cache.Tracker, sink collab.OpSink, opt HubOptions) *Hub {
	if opt.InboxSize <= 0 {
		opt.InboxSize = 256
	}
	return &Hub{presence: p, sink: sink, rooms: make(map[string]*room), inboxSize: opt.InboxSize}
}

// Join 将会话加入文档房间，重复加入没有额外效果；返回是否是新加入
func (h *Hub) Join(docID string, m Member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[docID]
	if r == nil {
		// 房间第一次有人加入时创建，并启动它自己的分发 goroutine
		r = newRoom(docID, h.inboxSize)
		h.rooms[docID] = r
		go r.run(h)
	}
	return r.add(m)
}

// Leave 将会话移出房间，房间空了就停掉分发 goroutine 并删除
func (h *Hub) Leave(docID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[docID]
	if !ok {
		return
	}
	if r.remove(m.SessionID()) == 0 {
		delete(h.rooms, docID)
		close(r.quit)
	}
}

// Relay 把一条 receive-changes 消息按到达顺序投递给除 from 以外的成员。
// 房间不存在时静默丢弃，返回 false
func (h *Hub) Relay(docID string, from Member, msg []byte, evt *collab.DocOpEvent) bool {
	return h.enqueue(docID, relayJob{from: from.SessionID(), msg: msg, event: evt})
}

// RelayCursor 走同样的顺序，但投递是有损的：光标只影响显示
func (h *Hub) RelayCursor(docID string, from Member, msg []byte) bool {
	return h.enqueue(docID, relayJob{from: from.SessionID(), msg: msg, lossy: true})
}

// BroadcastPresence 把完整的在线集合推给房间所有成员（包括自己，客户端会过滤掉自己）
func (h *Hub) BroadcastPresence(docID string, recs []protocol.PresenceRecord) {
	if recs == nil {
		recs = []protocol.PresenceRecord{}
	}
	msg, err := protocol.Encode(protocol.EventPresenceSync, docID, protocol.PresenceSyncPayload{Records: recs})
	if err != nil {
		log.Printf("encode presence-sync error (doc=%s): %v", docID, err)
		return
	}
	h.enqueue(docID, relayJob{msg: msg, lossy: true})
}

func (h *Hub) enqueue(docID string, job relayJob) bool {
	h.mu.RLock()
	r := h.rooms[docID]
	h.mu.RUnlock()
	if r == nil {
		return false
	}
	select {
	case r.inbox <- job:
		return true
	case <-r.quit:
		return false
	}
}

// ActiveRooms 返回本节点上有成员的文档
func (h *Hub) ActiveRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Members 返回房间内的会话 id
func (h *Hub) Members(docID string) []string {
	h.mu.RLock()
	r := h.rooms[docID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.sessionIDs()
}

// Run 订阅 presence 变化并定期重发快照，直到 ctx 结束
func (h *Hub) Run(ctx context.Context, resyncEvery time.Duration) error {
	if h.presence == nil {
		<-ctx.Done()
		return nil
	}
	if err := h.presence.Subscribe(ctx, h.BroadcastPresence); err != nil {
		return err
	}
	if resyncEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(resyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.presence.Resync(ctx, h.ActiveRooms()); err != nil {
				log.Printf("presence resync error: %v", err)
			}
		}
	}
}

func (h *Hub) publishOp(evt *collab.DocOpEvent, recipients int) {
	if h.sink == nil || evt == nil {
		return
	}
	evt.Recipients = recipients
	if evt.OperationID == "" {
		evt.OperationID = uuid.NewString()
	}
	h.sink.Publish(*evt)
}
