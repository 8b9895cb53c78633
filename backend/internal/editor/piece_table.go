package editor

import (
	"strings"

	"collabsync/backend/internal/ot/delta"
)

type bufferKind int

const (
	//iota：从 0 开始自动递增，bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.runes(p)))
	}
	return b.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply 依次执行 delta：
// retain 移动 pos；insert 在 pos 处拆 piece 插入；delete 在 pos 处裁剪/移除 piece
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := checkBounds(d, pt.length); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			text := []rune(op.Text)
			if op.Embed != nil {
				text = []rune{delta.EmbedRune}
			}
			pt.insert(pos, text)
			pos += len(text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) {
	if len(text) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(text)}
	pt.length += len(text)

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	// 只替换目标 piece，前后 piece 原样拷贝
	pieces := make([]piece, 0, len(pt.pieces)+2)
	pieces = append(pieces, pt.pieces[:idx]...)
	if left.length > 0 {
		pieces = append(pieces, left)
	}
	pieces = append(pieces, newPiece)
	if right.length > 0 {
		pieces = append(pieces, right)
	}
	pieces = append(pieces, pt.pieces[idx+1:]...)
	pt.pieces = pieces
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		take := min(remain, can)

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			// 删 piece 中间一段：拆成左右两段
			leftLen := offset
			rightLen := cur.length - offset - take

			pieces := make([]piece, 0, len(pt.pieces)+1)
			pieces = append(pieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				pieces = append(pieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				pieces = append(pieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			pieces = append(pieces, pt.pieces[idx+1:]...)
			pt.pieces = pieces

			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
		pt.length -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
