package client

import (
	"sync"
	"time"

	"collabsync/backend/internal/ot/delta"
)

// DefaultSaveDelay 是最后一次本地编辑之后的静默期
const DefaultSaveDelay = 850 * time.Millisecond

// Snapshot 是待保存的完整文档内容
type Snapshot struct {
	Contents delta.Delta
	Length   int
}

// Empty 长度 <= 1 视为空文档（只剩末尾换行）
func (s Snapshot) Empty() bool { return s.Length <= 1 }

// Debouncer 每个会话一个计时器：Schedule 覆盖待保存内容并重新计时。
// 计时器回调通过 exec 投递，session 把它投递到自己的事件循环里，
// 所以 fire 和 Schedule/Cancel 永远是串行的
type Debouncer struct {
	clock Clock
	delay time.Duration
	exec  func(func())
	save  func(Snapshot)

	mu      sync.Mutex
	timer   Timer
	pending *Snapshot
	gen     uint64
}

func NewDebouncer(clock Clock, delay time.Duration, exec func(func()), save func(Snapshot)) *Debouncer {
	if clock == nil {
		clock = RealClock()
	}
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	if exec == nil {
		exec = func(f func()) { f() }
	}
	return &Debouncer{clock: clock, delay: delay, exec: exec, save: save}
}

func (d *Debouncer) Schedule(s Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = &s
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.exec(func() { d.fire(gen) })
	})
}

// Cancel 丢弃待保存内容
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// FlushNow 立即保存待保存内容，没有待保存内容时返回 false
func (d *Debouncer) FlushNow() bool {
	d.mu.Lock()
	if d.pending == nil {
		d.mu.Unlock()
		return false
	}
	s := *d.pending
	d.stopLocked()
	d.mu.Unlock()

	d.save(s)
	return true
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// 回调排队期间又来了新的编辑或被取消
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	s := *d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	d.save(s)
}
