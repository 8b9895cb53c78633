package editor

import (
	"sort"
	"sync"
)

// Cursor 是其他协作者在本地编辑器里的光标装饰
type Cursor struct {
	ID    string
	Name  string
	Color string
	Range *Range
}

type CursorLayer struct {
	mu      sync.RWMutex
	cursors map[string]*Cursor
}

func NewCursorLayer() *CursorLayer {
	return &CursorLayer{cursors: make(map[string]*Cursor)}
}

// Create 已存在时不覆盖，返回是否新建
func (l *CursorLayer) Create(id, name, color string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cursors[id]; ok {
		return false
	}
	l.cursors[id] = &Cursor{ID: id, Name: name, Color: color}
	return true
}

// Move 对未知 id 是 no-op，返回 false
func (l *CursorLayer) Move(id string, rng *Range) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cursors[id]
	if !ok {
		return false
	}
	if rng == nil {
		c.Range = nil
		return true
	}
	r := *rng
	c.Range = &r
	return true
}

func (l *CursorLayer) Remove(id string) {
	l.mu.Lock()
	delete(l.cursors, id)
	l.mu.Unlock()
}

func (l *CursorLayer) Clear() {
	l.mu.Lock()
	l.cursors = make(map[string]*Cursor)
	l.mu.Unlock()
}

func (l *CursorLayer) Get(id string) (Cursor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.cursors[id]
	if !ok {
		return Cursor{}, false
	}
	out := *c
	if c.Range != nil {
		r := *c.Range
		out.Range = &r
	}
	return out, true
}

// IDs 按字典序返回，方便测试比较
func (l *CursorLayer) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.cursors))
	for id := range l.cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
