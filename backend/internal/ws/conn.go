package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/protocol"
)

type ConnOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	return o
}

// Conn 是服务端的一个传输会话
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	id       string
	userID   string
	username string
	opt      ConnOptions

	// send 是待写出的消息队列，由 writeLoop 消费。
	// send 永远不 close，避免房间分发 goroutine 往已关闭的通道里写
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// 以下只在 readLoop 所在 goroutine 里读写
	rooms   map[string]struct{}
	tracked map[string]protocol.PresenceRecord
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, opt ConnOptions) *Conn {
	opt = opt.withDefaults()
	return &Conn{
		ws:       ws,
		hub:      hub,
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		opt:      opt,
		send:     make(chan []byte, opt.SendBuffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
		tracked:  make(map[string]protocol.PresenceRecord),
	}
}

func (c *Conn) SessionID() string { return c.id }

func (c *Conn) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) DeliverCursor(msg []byte) bool {
	return c.Deliver(msg)
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Serve 启动写循环，然后阻塞在读循环里直到连接关闭；退出时离开所有房间
func (c *Conn) Serve(ctx context.Context) {
	go c.writeLoop()
	defer c.cleanup()
	c.readLoop(ctx)
}

func (c *Conn) cleanup() {
	c.Close()
	for docID := range c.rooms {
		c.hub.Leave(docID, c)
	}
	if len(c.tracked) == 0 || c.hub.presence == nil {
		return
	}
	// 连接已经断了，用独立的 ctx 清理 presence
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for docID := range c.tracked {
		if err := c.hub.presence.Untrack(ctx, docID, c.id); err != nil {
			log.Printf("untrack error (user=%s, doc=%s): %v", c.userID, docID, err)
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opt.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error (user=%s, session=%s): %v", c.userID, c.id, err)
			}
			return
		}
		env, err := protocol.Decode(data, protocol.ToServer)
		if err != nil {
			c.sendError(env.DocumentID, CodeInvalidEnvelope, err.Error())
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Conn) handle(ctx context.Context, env protocol.Envelope) {
	docID := env.DocumentID
	switch env.Event {
	case protocol.EventCreateRoom:
		c.hub.Join(docID, c)
		c.rooms[docID] = struct{}{}

	case protocol.EventLeaveRoom:
		c.hub.Leave(docID, c)
		delete(c.rooms, docID)
		if _, ok := c.tracked[docID]; ok && c.hub.presence != nil {
			delete(c.tracked, docID)
			if err := c.hub.presence.Untrack(ctx, docID, c.id); err != nil {
				log.Printf("untrack error (user=%s, doc=%s): %v", c.userID, docID, err)
			}
		}

	case protocol.EventSendChanges:
		p, _ := env.Changes()
		msg, err := encodeRelay(protocol.EventReceiveChanges, docID, env.Payload)
		if err != nil {
			return
		}
		evt := &collab.DocOpEvent{
			EventType: collab.EventOpsRelayed,
			DocID:     docID,
			SessionID: c.id,
			AuthorID:  c.userID,
			Ops:       p.Ops,
			RelayedAt: time.Now(),
		}
		c.hub.Relay(docID, c, msg, evt)

	case protocol.EventSendCursorMove:
		p, _ := env.Cursor()
		// 以鉴权后的身份为准，不信任客户端自报的 userId
		p.UserID = c.userID
		msg, err := protocol.Encode(protocol.EventReceiveCursorMove, docID, p)
		if err != nil {
			return
		}
		c.hub.RelayCursor(docID, c, msg)

	case protocol.EventPresenceTrack:
		p, _ := env.Track()
		rec := p.Record
		rec.UserID = c.userID
		if rec.DisplayName == "" {
			rec.DisplayName = c.username
		}
		if rec.ColorSeed == "" {
			rec.ColorSeed = c.userID
		}
		c.track(ctx, docID, rec)

	case protocol.EventHeartbeat:
		// 刷新 TTL
		for id, rec := range c.tracked {
			c.track(ctx, id, rec)
		}
	}
}

func (c *Conn) track(ctx context.Context, docID string, rec protocol.PresenceRecord) {
	if c.hub.presence == nil {
		return
	}
	if err := c.hub.presence.Track(ctx, docID, c.id, rec); err != nil {
		log.Printf("track error (user=%s, doc=%s): %v", c.userID, docID, err)
		c.sendError(docID, CodePresenceUnavailable, "presence unavailable")
		return
	}
	c.tracked[docID] = rec
}

func (c *Conn) sendError(docID, code, message string) {
	msg, err := protocol.Encode(protocol.EventError, docID, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Deliver(msg)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opt.PingPeriod)
	defer ticker.Stop()
	// 持续消费 send 队列
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opt.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
