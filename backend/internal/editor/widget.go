package editor

import (
	"strings"
	"sync"

	"collabsync/backend/internal/ot/delta"
)

// Source 标记一次变更的来源：只有 user 来源的变更会被广播和持久化
type Source string

const (
	SourceUser Source = "user"
	SourceAPI  Source = "api"
)

type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// ChangeHandler 收到本次变更、变更前的完整内容和来源
type ChangeHandler func(change delta.Delta, old delta.Delta, source Source)

// SelectionHandler 的 rng 为 nil 表示失去焦点
type SelectionHandler func(rng *Range, old *Range, source Source)

// TextWidget 是一个无界面的富文本组件：
// 文档内容永远以 "\n" 结尾，所以空文档的长度是 1
type TextWidget struct {
	mu        sync.Mutex
	buf       Buffer
	selection *Range

	nextID     int
	onChange   map[int]ChangeHandler
	onSelect   map[int]SelectionHandler
	cursors    *CursorLayer
	handlersMu sync.Mutex
}

func NewTextWidget() *TextWidget {
	return &TextWidget{
		buf:      NewPieceTable("\n"),
		onChange: make(map[int]ChangeHandler),
		onSelect: make(map[int]SelectionHandler),
		cursors:  NewCursorLayer(),
	}
}

func (w *TextWidget) Length() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

func (w *TextWidget) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Contents 返回完整文档 delta（只有 insert）
func (w *TextWidget) Contents() delta.Delta {
	return delta.FromText(w.Text())
}

func (w *TextWidget) Cursors() *CursorLayer { return w.cursors }

func (w *TextWidget) Selection() *Range {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.selection == nil {
		return nil
	}
	r := *w.selection
	return &r
}

// SetContents 用 doc 替换全部内容，doc 必须是只含 insert 的文档 delta
func (w *TextWidget) SetContents(doc delta.Delta, source Source) error {
	if !doc.IsDocument() {
		return ErrOutOfRange
	}
	text := doc.Text()
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	w.mu.Lock()
	old := delta.FromText(w.buf.String())
	oldLen := w.buf.Len()
	w.buf = NewPieceTable(text)
	w.clampSelectionLocked()
	w.mu.Unlock()

	change := delta.New().Insert(text).Delete(oldLen)
	w.emitChange(change, old, source)
	return nil
}

// ApplyDelta 在当前内容上应用增量 delta
func (w *TextWidget) ApplyDelta(change delta.Delta, source Source) error {
	w.mu.Lock()
	old := delta.FromText(w.buf.String())
	if err := w.buf.Apply(change); err != nil {
		w.mu.Unlock()
		return err
	}
	// 末尾换行被删掉时补回来
	if s := w.buf.String(); !strings.HasSuffix(s, "\n") {
		n := w.buf.Len()
		_ = w.buf.Apply(delta.New().Retain(n).Insert("\n"))
	}
	w.clampSelectionLocked()
	w.mu.Unlock()

	w.emitChange(change, old, source)
	return nil
}

// Insert 模拟用户在 index 处键入文本
func (w *TextWidget) Insert(index int, text string) error {
	if err := w.ApplyDelta(delta.New().Retain(index).Insert(text), SourceUser); err != nil {
		return err
	}
	w.SetSelection(&Range{Index: index + len([]rune(text))}, SourceUser)
	return nil
}

// Delete 模拟用户删除 [index, index+length)
func (w *TextWidget) Delete(index, length int) error {
	if err := w.ApplyDelta(delta.New().Retain(index).Delete(length), SourceUser); err != nil {
		return err
	}
	w.SetSelection(&Range{Index: index}, SourceUser)
	return nil
}

// Select 模拟用户移动光标/选区
func (w *TextWidget) Select(index, length int) {
	w.SetSelection(&Range{Index: index, Length: length}, SourceUser)
}

// Blur 模拟失去焦点，选区变为 nil
func (w *TextWidget) Blur() {
	w.SetSelection(nil, SourceUser)
}

func (w *TextWidget) SetSelection(rng *Range, source Source) {
	w.mu.Lock()
	old := w.selection
	if rng != nil {
		r := *rng
		w.selection = &r
		w.clampSelectionLocked()
	} else {
		w.selection = nil
	}
	cur := w.selection
	w.mu.Unlock()

	var curCopy *Range
	if cur != nil {
		c := *cur
		curCopy = &c
	}
	w.emitSelection(curCopy, old, source)
}

func (w *TextWidget) clampSelectionLocked() {
	if w.selection == nil {
		return
	}
	maxIdx := w.buf.Len() - 1
	if w.selection.Index > maxIdx {
		w.selection.Index = maxIdx
	}
	if w.selection.Index < 0 {
		w.selection.Index = 0
	}
	if w.selection.Index+w.selection.Length > maxIdx {
		w.selection.Length = maxIdx - w.selection.Index
	}
}

// OnChange 注册内容变更回调，返回取消函数
func (w *TextWidget) OnChange(h ChangeHandler) func() {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	id := w.nextID
	w.nextID++
	w.onChange[id] = h
	return func() {
		w.handlersMu.Lock()
		delete(w.onChange, id)
		w.handlersMu.Unlock()
	}
}

// OnSelectionChange 注册选区变更回调，返回取消函数
func (w *TextWidget) OnSelectionChange(h SelectionHandler) func() {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	id := w.nextID
	w.nextID++
	w.onSelect[id] = h
	return func() {
		w.handlersMu.Lock()
		delete(w.onSelect, id)
		w.handlersMu.Unlock()
	}
}

// 回调在锁外执行，回调里可以再调用 widget 的方法
func (w *TextWidget) emitChange(change, old delta.Delta, source Source) {
	w.handlersMu.Lock()
	hs := make([]ChangeHandler, 0, len(w.onChange))
	for _, h := range w.onChange {
		hs = append(hs, h)
	}
	w.handlersMu.Unlock()
	for _, h := range hs {
		h(change, old, source)
	}
}

func (w *TextWidget) emitSelection(rng, old *Range, source Source) {
	w.handlersMu.Lock()
	hs := make([]SelectionHandler, 0, len(w.onSelect))
	for _, h := range w.onSelect {
		hs = append(hs, h)
	}
	w.handlersMu.Unlock()
	for _, h := range hs {
		h(rng, old, source)
	}
}
