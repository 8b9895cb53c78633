package ws

import (
	"log"
	"sort"
	"sync"

	"collabsync/backend/internal/collab"
)

type relayJob struct {
	from  string // 发送者会话 id，空表示发给所有人
	msg   []byte
	lossy bool
	event *collab.DocOpEvent
}

// room 的所有转发都由 run 这一个 goroutine 按 inbox 顺序完成，
// 所以同一房间内的投递顺序就是 Relay 的调用顺序
type room struct {
	docID string

	mu sync.RWMutex
	// 一个用户可以开多个标签页，所以按会话而不是按 userID 存
	members map[string]Member

	inbox chan relayJob
	quit  chan struct{}
}

func newRoom(docID string, inboxSize int) *room {
	return &room{
		docID:   docID,
		members: make(map[string]Member),
		inbox:   make(chan relayJob, inboxSize),
		quit:    make(chan struct{}),
	}
}

func (r *room) add(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.SessionID()]; ok {
		return false
	}
	r.members[m.SessionID()] = m
	return true
}

// remove 返回剩余成员数
func (r *room) remove(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	return len(r.members)
}

func (r *room) sessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *room) run(h *Hub) {
	for {
		select {
		case job := <-r.inbox:
			n := r.dispatch(job)
			h.publishOp(job.event, n)
		case <-r.quit:
			return
		}
	}
}

// dispatch 返回实际投递成功的成员数
func (r *room) dispatch(job relayJob) int {
	r.mu.RLock()
	targets := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		if id == job.from {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if job.lossy {
			if m.DeliverCursor(job.msg) {
				delivered++
			}
			continue
		}
		if !m.Deliver(job.msg) {
			if m.Closed() {
				continue
			}
			// 跟不上的成员直接断开，它重连后会重新拉快照，而不是带着缺口继续
			log.Printf("member too slow, closing (doc=%s session=%s)", r.docID, m.SessionID())
			m.Close()
			continue
		}
		delivered++
	}
	return delivered
}
