package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/protocol"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrUnauthorized = errors.New("client: unauthorized")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport 是会话需要的传输层能力，Connection 实现它
type Transport interface {
	Emit(event protocol.Event, docID string, payload any) error
	Subscribe(fn func(protocol.Envelope)) (unsubscribe func())
	OnStatus(fn func(Status)) (unsubscribe func())
}

type ConnectionOptions struct {
	Token          string // 放在 Authorization: Bearer 里
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	WriteWait      time.Duration
	HeartbeatEvery time.Duration // 刷新服务端 presence TTL，<0 关闭
	Dialer         *websocket.Dialer
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.HeartbeatEvery == 0 {
		o.HeartbeatEvery = 20 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	return o
}

// Connection 是显式构造的 websocket 客户端连接，生命周期跟登录态绑定：
// 登录后 Connect，登出时 Disconnect。断线后按指数退避自动重连
type Connection struct {
	url string
	opt ConnectionOptions

	mu        sync.Mutex
	ws        *websocket.Conn
	status    Status
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	nextID    int
	listeners map[int]func(protocol.Envelope)
	statusFns map[int]func(Status)

	writeMu sync.Mutex
}

func NewConnection(url string, opt ConnectionOptions) *Connection {
	return &Connection{
		url:       url,
		opt:       opt.withDefaults(),
		listeners: make(map[int]func(protocol.Envelope)),
		statusFns: make(map[int]func(Status)),
	}
}

// Connect 阻塞到第一次连上（失败会退避重试，直到 ctx 结束），之后在后台保持连接
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = runCtx, cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	// 调用方的 ctx 只管第一次连接
	stop := context.AfterFunc(ctx, cancel)
	ws, err := c.dial(runCtx)
	stop()
	if err != nil {
		cancel()
		close(done)
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if !c.attach(runCtx, ws) {
		close(done)
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		return context.Canceled
	}
	go c.run(runCtx, ws, done)
	return nil
}

// Disconnect 关闭连接并停止重连，可重复调用
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.ws
	c.cancel = nil
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	if ws != nil {
		_ = ws.Close()
	}
	<-done
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Emit 断线时直接丢弃并返回 ErrNotConnected，不排队
func (c *Connection) Emit(event protocol.Event, docID string, payload any) error {
	data, err := protocol.Encode(event, docID, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// 让读循环尽快发现并触发重连
		_ = ws.Close()
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Connection) Subscribe(fn func(protocol.Envelope)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Connection) OnStatus(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.statusFns[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.statusFns, id)
		c.mu.Unlock()
	}
}

func (c *Connection) run(ctx context.Context, ws *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		// 自己放弃重连（比如 token 过期）时复位，重新登录后还能再 Connect
		if c.done == done && c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.mu.Unlock()
		close(done)
	}()
	for {
		c.readLoop(ws)
		c.detach(ws)
		if ctx.Err() != nil {
			return
		}
		log.Printf("connection lost (url=%s), reconnecting", c.url)

		next, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("reconnect gave up (url=%s): %v", c.url, err)
			}
			return
		}
		if !c.attach(ctx, next) {
			return
		}
		ws = next
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setStatus(StatusConnecting)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opt.MinBackoff
	b.MaxInterval = c.opt.MaxBackoff
	b.MaxElapsedTime = 0 // 一直重试，直到 ctx 结束

	header := http.Header{}
	if c.opt.Token != "" {
		header.Set("Authorization", "Bearer "+c.opt.Token)
	}

	var ws *websocket.Conn
	op := func() error {
		conn, resp, err := c.opt.Dialer.DialContext(ctx, c.url, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				// token 失效，重试没有意义
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, err))
			}
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("dial %s failed: %v (retry in %s)", c.url, err, wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		c.setStatus(StatusDisconnected)
		return nil, err
	}
	return ws, nil
}

// attach 在 ctx 已取消时直接关掉新连接
func (c *Connection) attach(ctx context.Context, ws *websocket.Conn) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		c.setStatus(StatusDisconnected)
		return false
	}
	c.ws = ws
	c.mu.Unlock()

	if c.opt.HeartbeatEvery > 0 {
		go c.heartbeat(ctx, ws)
	}
	c.setStatus(StatusConnected)
	return true
}

func (c *Connection) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
	c.setStatus(StatusDisconnected)
}

func (c *Connection) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opt.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.ws == ws
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.Emit(protocol.EventHeartbeat, "", nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data, protocol.ToClient)
		if err != nil {
			log.Printf("drop invalid message: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	fns := make([]func(protocol.Envelope), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fns := make([]func(Status), 0, len(c.statusFns))
	for _, fn := range c.statusFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
