package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推进时间，到期的回调在调用方 goroutine 里执行
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []protocol.Envelope
	down      bool
	nextID    int
	listeners map[int]func(protocol.Envelope)
	statusFns map[int]func(Status)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		listeners: make(map[int]func(protocol.Envelope)),
		statusFns: make(map[int]func(Status)),
	}
}

func (t *fakeTransport) Emit(event protocol.Event, docID string, payload any) error {
	env, err := protocol.New(event, docID, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrNotConnected
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Subscribe(fn func(protocol.Envelope)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *fakeTransport) OnStatus(fn func(Status)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.statusFns[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.statusFns, id)
		t.mu.Unlock()
	}
}

// deliver 模拟服务端推送
func (t *fakeTransport) deliver(tb testing.TB, event protocol.Event, docID string, payload any) {
	tb.Helper()
	env, err := protocol.New(event, docID, payload)
	if err != nil {
		tb.Fatalf("protocol.New error = %v", err)
	}
	t.mu.Lock()
	fns := make([]func(protocol.Envelope), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (t *fakeTransport) setStatus(st Status) {
	t.mu.Lock()
	t.down = st != StatusConnected
	fns := make([]func(Status), 0, len(t.statusFns))
	for _, fn := range t.statusFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (t *fakeTransport) emitted(event protocol.Event) []protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range t.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) listenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners) + len(t.statusFns)
}

// recordingStorage 记录每一次写入的 data 字段
type recordingStorage struct {
	*store.MemoryStore
	writes      chan string
	failWrites  atomic.Bool
	failFetches atomic.Bool
}

func newRecordingStorage(tb testing.TB, docs ...*store.Document) *recordingStorage {
	tb.Helper()
	mem := store.NewMemoryStore()
	for _, d := range docs {
		if err := mem.CreateDocument(context.Background(), d); err != nil {
			tb.Fatalf("seed error = %v", err)
		}
	}
	return &recordingStorage{MemoryStore: mem, writes: make(chan string, 32)}
}

func (r *recordingStorage) FetchDocument(ctx context.Context, ref store.Ref) (*store.Document, error) {
	if r.failFetches.Load() {
		return nil, errors.New("connection refused")
	}
	return r.MemoryStore.FetchDocument(ctx, ref)
}

func (r *recordingStorage) WriteDocument(ctx context.Context, ref store.Ref, patch store.Patch) error {
	if r.failWrites.Load() {
		return errors.New("database unavailable")
	}
	if err := r.MemoryStore.WriteDocument(ctx, ref, patch); err != nil {
		return err
	}
	if patch.Data != nil {
		r.writes <- *patch.Data
	}
	return nil
}

func (r *recordingStorage) expectNoWrite(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case data := <-r.writes:
		tb.Fatalf("unexpected write %s", data)
	case <-time.After(wait):
	}
}

func (r *recordingStorage) nextWrite(tb testing.TB) string {
	tb.Helper()
	select {
	case data := <-r.writes:
		return data
	case <-time.After(3 * time.Second):
		tb.Fatal("timed out waiting for write")
		return ""
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title, _ string) {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNavigator) Navigate(path string) {
	n.mu.Lock()
	n.paths = append(n.paths, path)
	n.mu.Unlock()
}

// unmountingNavigator 跳转时卸载当前会话，和路由切页时的行为一致
type unmountingNavigator struct {
	recordingNavigator
	s    *Session
	done chan struct{}
}

func (n *unmountingNavigator) Navigate(path string) {
	n.recordingNavigator.Navigate(path)
	n.s.Unmount()
	close(n.done)
}

func (n *recordingNavigator) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.paths) == 0 {
		return ""
	}
	return n.paths[len(n.paths)-1]
}

// drain 等事件循环处理完之前投递的所有任务
func drain(tb testing.TB, s *Session) {
	tb.Helper()
	done := make(chan struct{})
	go s.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		tb.Fatal("event loop stuck")
	}
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}
