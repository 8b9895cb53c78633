package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"collabsync/backend/internal/editor"
	"collabsync/backend/internal/ot/delta"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
)

type State int32

const (
	StateUnmounted State = iota
	StateInitializing
	StateLoaded
	StateSyncing
	StateIdle
	StateRedirected
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLoaded:
		return "loaded"
	case StateSyncing:
		return "syncing"
	case StateIdle:
		return "idle"
	case StateRedirected:
		return "redirected"
	default:
		return "unmounted"
	}
}

var (
	ErrRedirected     = errors.New("client: document unavailable, redirected")
	ErrUnmounted      = errors.New("client: session unmounted")
	ErrAlreadyMounted = errors.New("client: session already mounted")
)

type SessionConfig struct {
	Ref store.Ref
	// WorkspaceID 决定重定向目标，空则回到 /dashboard
	WorkspaceID string
	// Self 是自己的 presence 记录，UserID 必须和服务端鉴权得到的一致
	Self protocol.PresenceRecord

	SaveDelay      time.Duration
	FlushOnUnmount bool // 默认卸载时丢弃未保存的编辑
	FetchTimeout   time.Duration
	WriteTimeout   time.Duration

	Clock     Clock
	Notifier  Notifier
	Navigator Navigator
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SaveDelay <= 0 {
		c.SaveDelay = DefaultSaveDelay
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	if c.Notifier == nil {
		c.Notifier = LogNotifier{}
	}
	if c.Navigator == nil {
		c.Navigator = LogNavigator{}
	}
	return c
}

// Session 是单个文档的客户端同步状态机。
// 组件回调、计时器回调、传输层消息都投递到同一个事件循环 goroutine 里串行执行
type Session struct {
	cfg      SessionConfig
	conn     Transport
	storage  Storage
	widget   *editor.TextWidget
	debounce *Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	events   chan func()
	quit     chan struct{}
	loopDone chan struct{}
	ready    chan error

	state   atomic.Int32
	saving  atomic.Bool
	started atomic.Bool

	mu            sync.RWMutex
	collaborators []protocol.PresenceRecord

	unmountOnce sync.Once

	// 以下只在事件循环里读写
	initGen   uint64
	writeGen  uint64
	joined    bool
	readySent bool
	tornDown  bool
	unsubs    []func()
}

func NewSession(cfg SessionConfig, conn Transport, storage Storage, widget *editor.TextWidget) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		conn:     conn,
		storage:  storage,
		widget:   widget,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ready:    make(chan error, 1),
	}
	s.debounce = NewDebouncer(cfg.Clock, cfg.SaveDelay, s.post, s.onSaveDue)
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// Saving 为 true 表示有本地编辑还没写进存储
func (s *Session) Saving() bool { return s.saving.Load() }

func (s *Session) Widget() *editor.TextWidget { return s.widget }

// Collaborators 返回除自己以外的在线协作者
func (s *Session) Collaborators() []protocol.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.PresenceRecord, len(s.collaborators))
	copy(out, s.collaborators)
	return out
}

// Mount 拉取文档并加入房间，阻塞到第一次初始化完成。
// 文档不存在或 id 非法时跳转走并返回 ErrRedirected
func (s *Session) Mount(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyMounted
	}
	go s.loop()
	s.post(func() {
		s.register()
		s.initialize()
	})

	select {
	case err := <-s.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unmount 无论处于哪个状态都会完成清理：取消待保存、注销回调、离开房间
func (s *Session) Unmount() {
	s.unmountOnce.Do(func() {
		if s.started.Load() {
			fin := make(chan struct{})
			s.post(func() {
				s.teardown(ErrUnmounted)
				close(fin)
			})
			<-fin
			close(s.quit)
			<-s.loopDone
		}
		s.setState(StateUnmounted)
		s.cancel()
	})
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post 把任务投递到事件循环，卸载后直接丢弃。
// 不能在事件循环里调用
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) register() {
	s.unsubs = append(s.unsubs,
		s.widget.OnChange(s.onWidgetChange),
		s.widget.OnSelectionChange(s.onWidgetSelection),
		s.conn.Subscribe(func(env protocol.Envelope) {
			s.post(func() { s.onEnvelope(env) })
		}),
		s.conn.OnStatus(func(st Status) {
			s.post(func() { s.onStatus(st) })
		}),
	)
}

func (s *Session) signalReady(err error) {
	if s.readySent {
		return
	}
	s.readySent = true
	s.ready <- err
}

// initialize 每次挂载和每次重连都完整执行：重新拉快照、重新进房间、重新发布 presence
func (s *Session) initialize() {
	s.initGen++
	gen := s.initGen
	// 重新拉到的快照是权威内容，待保存的编辑作废
	s.debounce.Cancel()
	s.saving.Store(false)
	s.setState(StateInitializing)

	ref := s.cfg.Ref
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
		defer cancel()
		doc, err := s.storage.FetchDocument(ctx, ref)
		s.post(func() { s.onFetched(gen, doc, err) })
	}()
}

func (s *Session) onFetched(gen uint64, doc *store.Document, err error) {
	if gen != s.initGen || s.tornDown {
		return
	}
	if err != nil || doc == nil {
		log.Printf("fetch document failed (ref=%s): %v", s.cfg.Ref, err)
		s.redirect(err)
		return
	}

	if doc.Data != "" {
		contents, err := delta.Unmarshal([]byte(doc.Data))
		switch {
		case err != nil:
			log.Printf("stored contents unreadable (ref=%s): %v", s.cfg.Ref, err)
			s.notify("Error! Could not load document", err.Error())
		case len(contents) > 0:
			if err := s.widget.SetContents(contents, editor.SourceAPI); err != nil {
				log.Printf("set contents failed (ref=%s): %v", s.cfg.Ref, err)
			}
		}
	}
	s.setState(StateLoaded)

	docID := s.cfg.Ref.ID
	if err := s.conn.Emit(protocol.EventCreateRoom, docID, nil); err != nil {
		// 重连后会重新初始化并再次进房间
		log.Printf("join room deferred (doc=%s): %v", docID, err)
	} else {
		s.joined = true
	}
	if err := s.conn.Emit(protocol.EventPresenceTrack, docID, protocol.TrackPayload{Record: s.cfg.Self}); err != nil {
		log.Printf("presence track deferred (doc=%s): %v", docID, err)
	}
	s.setState(StateIdle)
	s.signalReady(nil)
}

func (s *Session) redirect(cause error) {
	path := redirectPath(s.cfg.Ref.Kind, s.cfg.WorkspaceID, cause)
	s.teardown(ErrRedirected)
	s.setState(StateRedirected)
	// Navigate 里通常会卸载当前页面（调用 Unmount），放到循环外面执行
	go s.cfg.Navigator.Navigate(path)
}

func (s *Session) notify(title, message string) {
	go s.cfg.Notifier.Notify(title, message)
}

// teardown 的 readyErr 是 Mount 还没返回时交给它的结果
func (s *Session) teardown(readyErr error) {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.initGen++

	if s.cfg.FlushOnUnmount {
		s.debounce.FlushNow()
	} else {
		s.debounce.Cancel()
		s.saving.Store(false)
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	if s.joined {
		if err := s.conn.Emit(protocol.EventLeaveRoom, s.cfg.Ref.ID, nil); err != nil {
			log.Printf("leave room skipped (doc=%s): %v", s.cfg.Ref.ID, err)
		}
		s.joined = false
	}
	s.widget.Cursors().Clear()
	s.mu.Lock()
	s.collaborators = nil
	s.mu.Unlock()
	s.signalReady(readyErr)
}

// editable 为 false 时本地编辑不广播也不保存（还没加载完或已经卸载）
func (s *Session) editable() bool {
	st := s.State()
	return !s.tornDown && (st == StateIdle || st == StateSyncing)
}

// 组件回调在调用方 goroutine 里执行，这里只做过滤和投递
func (s *Session) onWidgetChange(change delta.Delta, _ delta.Delta, source editor.Source) {
	if source != editor.SourceUser {
		return
	}
	snap := Snapshot{Contents: s.widget.Contents(), Length: s.widget.Length()}
	s.post(func() { s.onLocalChange(change, snap) })
}

func (s *Session) onWidgetSelection(rng *editor.Range, _ *editor.Range, source editor.Source) {
	if source != editor.SourceUser {
		return
	}
	s.post(func() { s.onLocalSelection(rng) })
}

func (s *Session) onLocalChange(change delta.Delta, snap Snapshot) {
	if !s.editable() {
		return
	}
	ops, err := json.Marshal(change)
	if err != nil {
		log.Printf("encode change failed: %v", err)
		return
	}
	// 广播不防抖
	if err := s.conn.Emit(protocol.EventSendChanges, s.cfg.Ref.ID, protocol.ChangesPayload{Ops: ops}); err != nil {
		log.Printf("broadcast dropped (doc=%s): %v", s.cfg.Ref.ID, err)
	}
	s.setState(StateSyncing)
	s.saving.Store(true)
	s.debounce.Schedule(snap)
}

func (s *Session) onLocalSelection(rng *editor.Range) {
	if !s.editable() {
		return
	}
	p := protocol.CursorPayload{UserID: s.cfg.Self.UserID}
	if rng != nil {
		p.Range = &protocol.Range{Index: rng.Index, Length: rng.Length}
	}
	if err := s.conn.Emit(protocol.EventSendCursorMove, s.cfg.Ref.ID, p); err != nil {
		log.Printf("cursor move dropped (doc=%s): %v", s.cfg.Ref.ID, err)
	}
}

// onSaveDue 由防抖计时器在事件循环里触发
func (s *Session) onSaveDue(snap Snapshot) {
	// 空文档（只有换行）不写，避免初始化竞争时把文档清空
	if snap.Empty() {
		s.finishSave()
		return
	}
	data, err := delta.Marshal(snap.Contents)
	if err != nil {
		log.Printf("encode snapshot failed: %v", err)
		s.finishSave()
		return
	}

	s.writeGen++
	gen := s.writeGen
	ref := s.cfg.Ref
	payload := string(data)
	go func() {
		// 卸载后在途的写也让它写完
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()
		err := s.storage.WriteDocument(ctx, ref, store.Patch{Data: &payload})
		s.post(func() { s.onSaved(gen, err) })
	}()
}

func (s *Session) onSaved(gen uint64, err error) {
	if err != nil {
		log.Printf("save failed (ref=%s): %v", s.cfg.Ref, err)
		s.notify("Error! Could not save", err.Error())
	}
	// 写的过程中又有新编辑，就继续保持 Syncing
	if gen == s.writeGen && !s.debounce.Pending() {
		s.finishSave()
	}
}

func (s *Session) finishSave() {
	if s.debounce.Pending() {
		return
	}
	s.saving.Store(false)
	if s.State() == StateSyncing {
		s.setState(StateIdle)
	}
}

func (s *Session) onStatus(st Status) {
	if st != StatusConnected || s.tornDown {
		return
	}
	switch s.State() {
	case StateLoaded, StateIdle, StateSyncing:
		log.Printf("reconnected, reloading document (ref=%s)", s.cfg.Ref)
		s.joined = false
		s.initialize()
	}
}

func (s *Session) onEnvelope(env protocol.Envelope) {
	if s.tornDown {
		return
	}
	if env.Event == protocol.EventError {
		p, _ := env.ErrorInfo()
		log.Printf("server error (doc=%s): %s %s", env.DocumentID, p.Code, p.Message)
		return
	}
	if env.DocumentID != s.cfg.Ref.ID {
		return
	}

	switch env.Event {
	case protocol.EventReceiveChanges:
		s.applyRemoteChange(env)
	case protocol.EventReceiveCursorMove:
		p, err := env.Cursor()
		if err != nil {
			return
		}
		var rng *editor.Range
		if p.Range != nil {
			rng = &editor.Range{Index: p.Range.Index, Length: p.Range.Length}
		}
		// 还没收到 presence 同步的用户没有光标，直接忽略
		s.widget.Cursors().Move(p.UserID, rng)
	case protocol.EventPresenceSync:
		p, err := env.PresenceSync()
		if err != nil {
			return
		}
		s.onPresence(p.Records)
	}
}

// applyRemoteChange 以 api 来源应用，不会触发广播和保存
func (s *Session) applyRemoteChange(env protocol.Envelope) {
	// 初始化中收到的变更会被即将到来的快照覆盖
	if st := s.State(); st != StateIdle && st != StateSyncing {
		return
	}
	p, err := env.Changes()
	if err != nil {
		return
	}
	change, err := delta.Unmarshal(p.Ops)
	if err != nil {
		log.Printf("drop remote change (doc=%s): %v", env.DocumentID, err)
		return
	}
	if err := s.widget.ApplyDelta(change, editor.SourceAPI); err != nil {
		log.Printf("apply remote change failed (doc=%s): %v", env.DocumentID, err)
	}
}

// onPresence 用完整集合替换协作者列表，并同步光标装饰
func (s *Session) onPresence(records []protocol.PresenceRecord) {
	seen := make(map[string]bool, len(records))
	others := make([]protocol.PresenceRecord, 0, len(records))
	for _, r := range records {
		if r.UserID == "" || r.UserID == s.cfg.Self.UserID || seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		others = append(others, r)
	}
	s.mu.Lock()
	s.collaborators = others
	s.mu.Unlock()

	cursors := s.widget.Cursors()
	for _, id := range cursors.IDs() {
		if !seen[id] {
			cursors.Remove(id)
		}
	}
	for _, r := range others {
		name := r.DisplayName
		if name == "" {
			name = r.UserID
		}
		seed := r.ColorSeed
		if seed == "" {
			seed = r.UserID
		}
		cursors.Create(r.UserID, name, CursorColor(seed))
	}
}

var cursorPalette = []string{
	"#e11d48", "#db2777", "#c026d3", "#7c3aed", "#4f46e5", "#2563eb",
	"#0284c7", "#0891b2", "#0d9488", "#059669", "#16a34a", "#ca8a04",
	"#ea580c", "#dc2626",
}

// CursorColor 由 colorSeed 决定，同一个用户在所有客户端上颜色一致
func CursorColor(seed string) string {
	return cursorPalette[xxhash.Sum64String(seed)%uint64(len(cursorPalette))]
}
