package editor

import (
	"errors"

	"collabsync/backend/internal/ot/delta"
)

var ErrOutOfRange = errors.New("editor: delta exceeds document length")

// 文档内容缓冲区接口，TextWidget 只依赖这个接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
结构示例

初始文档内容 `"Hello world\n"`：

- original buffer = "Hello world\n"
- add buffer 为空
- piece 表：

[ (orig, offset=0, length=12) ]

在位置 5 插入 `" collaborative"`：
- add buffer 末尾追加，add = " collaborative"
- piece 表从一条拆成三条：

[
  (orig, offset=0, length=5),   // "Hello"
  (add,  offset=0, length=14),  // " collaborative"
  (orig, offset=5, length=7),   // " world\n"
]
*/

// checkBounds 在真正修改 buffer 之前校验 retain/delete 没有越界，
// 保证 Apply 要么整体成功要么什么都不改
func checkBounds(d delta.Delta, length int) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			if pos > length {
				return ErrOutOfRange
			}
		case delta.KindDelete:
			if pos+op.Count > length {
				return ErrOutOfRange
			}
			length -= op.Count
		case delta.KindInsert:
			n := op.Len()
			pos += n
			length += n
		}
	}
	return nil
}
