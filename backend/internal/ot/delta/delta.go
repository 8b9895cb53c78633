package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// EmbedRune 在纯文本里代替 embed（图片、公式等）
const EmbedRune = '￼'

var ErrInvalidOp = errors.New("delta: invalid op")

type Op struct {
	Kind  Kind           // "retain" / "insert" / "delete"
	Count int            // retain/delete 的长度
	Text  string         // insert 的文本
	Embed map[string]any // insert 的非文本内容（图片等），长度记为 1
	Attrs map[string]any // 样式属性（粗体/颜色等）
}

// Len 是这个 op 覆盖的文档位置数
func (op Op) Len() int {
	switch op.Kind {
	case KindInsert:
		if op.Embed != nil {
			return 1
		}
		return utf8.RuneCountInString(op.Text)
	default:
		return op.Count
	}
}

// 富文本组件的线上格式：
// {"insert":"Hello","attributes":{"bold":true}} / {"retain":5} / {"delete":3}
type wireOp struct {
	Insert     json.RawMessage `json:"insert,omitempty"`
	Retain     *int            `json:"retain,omitempty"`
	Delete     *int            `json:"delete,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	var w wireOp
	switch op.Kind {
	case KindInsert:
		var (
			raw []byte
			err error
		)
		if op.Embed != nil {
			raw, err = json.Marshal(op.Embed)
		} else {
			raw, err = json.Marshal(op.Text)
		}
		if err != nil {
			return nil, err
		}
		w.Insert = raw
		w.Attributes = op.Attrs
	case KindRetain:
		n := op.Count
		w.Retain = &n
		w.Attributes = op.Attrs
	case KindDelete:
		n := op.Count
		w.Delete = &n
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return json.Marshal(w)
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	set := 0
	if len(w.Insert) > 0 {
		set++
	}
	if w.Retain != nil {
		set++
	}
	if w.Delete != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of insert/retain/delete required", ErrInvalidOp)
	}

	*op = Op{Attrs: w.Attributes}
	switch {
	case len(w.Insert) > 0:
		op.Kind = KindInsert
		trimmed := bytes.TrimSpace(w.Insert)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &op.Embed); err != nil {
				return fmt.Errorf("%w: embed: %v", ErrInvalidOp, err)
			}
			return nil
		}
		if err := json.Unmarshal(trimmed, &op.Text); err != nil {
			return fmt.Errorf("%w: insert: %v", ErrInvalidOp, err)
		}
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrInvalidOp)
		}
	case w.Retain != nil:
		op.Kind = KindRetain
		op.Count = *w.Retain
	default:
		op.Kind = KindDelete
		op.Count = *w.Delete
		op.Attrs = nil
	}
	if op.Kind != KindInsert && op.Count <= 0 {
		return fmt.Errorf("%w: %s count must be positive", ErrInvalidOp, op.Kind)
	}
	return nil
}

type Delta []Op

// New 返回一个空 delta，配合 Retain/Insert/Delete 链式构造
func New() Delta { return Delta{} }

func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// FromText 把纯文本包装成只有 insert 的文档 delta
func FromText(s string) Delta {
	return New().Insert(s)
}

// Length 计算只含 insert 的文档 delta 的长度（retain/delete 不计入）
func (d Delta) Length() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindInsert {
			n += op.Len()
		}
	}
	return n
}

// Text 拼接所有 insert 文本，embed 用 EmbedRune 占位
func (d Delta) Text() string {
	var b strings.Builder
	for _, op := range d {
		if op.Kind != KindInsert {
			continue
		}
		if op.Embed != nil {
			b.WriteRune(EmbedRune)
			continue
		}
		b.WriteString(op.Text)
	}
	return b.String()
}

// IsDocument 只含 insert 时为 true，即完整内容的 delta
func (d Delta) IsDocument() bool {
	for _, op := range d {
		if op.Kind != KindInsert {
			return false
		}
	}
	return true
}

type envelope struct {
	Ops Delta `json:"ops"`
}

// Marshal 以组件 getContents() 的格式序列化：{"ops":[...]}
func Marshal(d Delta) ([]byte, error) {
	if d == nil {
		d = Delta{}
	}
	return json.Marshal(envelope{Ops: d})
}

// Unmarshal 兼容 {"ops":[...]} 和裸数组两种写法
func Unmarshal(data []byte) (Delta, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidOp)
	}
	if trimmed[0] == '[' {
		var d Delta
		if err := json.Unmarshal(trimmed, &d); err != nil {
			return nil, err
		}
		return d, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return env.Ops, nil
}
