/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer：`"Hello world"`，add buffer 为空
- piece 表：[ (orig, 0, 11) ]

在位置 5 插入 `" collaborative"` 后 add buffer = `" collaborative"`，piece 表拆成三条：

	[
	  (orig, 0, 5),   // "Hello"
	  (add,  0, 14),  // " collaborative"
	  (orig, 5, 6),   // " world"
	]

Replace 先删后插，两步都在同一个位置上完成。
*/
package collab

import (
	"fmt"
	"slices"
	"strings"

	"collab-core/backend/internal/ot"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	// add 只追加不修改，piece 通过偏移引用其中的片段
	add    []rune
	pieces []piece
	length int
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
	var sb strings.Builder
	sb.Grow(pt.length)
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.source(p.buf)[p.offset : p.offset+p.length]))
	}
	return sb.String()
}

func (pt *PieceTable) source(k bufferKind) []rune {
	if k == bufAdd {
		return pt.add
	}
	return pt.original
}

// Clone 共享只读的底层数组；Clip 之后任何一方 append 都会重新分配，互不覆盖
func (pt *PieceTable) Clone() Buffer {
	return &PieceTable{
		original: slices.Clip(pt.original),
		add:      slices.Clip(pt.add),
		pieces:   slices.Clone(pt.pieces),
		length:   pt.length,
	}
}

func (pt *PieceTable) Apply(op ot.Operation) error {
	span := op.Span()
	if op.Position < 0 || span < 0 || op.Position+span > pt.length {
		return fmt.Errorf("%w: position=%d length=%d content=%d", ot.ErrOutOfBounds, op.Position, span, pt.length)
	}
	if span > 0 {
		pt.delete(op.Position, span)
	}
	if text := op.Inserted(); text != "" {
		pt.insert(op.Position, []rune(text))
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) {
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}
	pt.length += len(text)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	if offset == 0 {
		pt.pieces = slices.Insert(pt.pieces, idx, np)
		return
	}
	// 从中间切开目标 piece，其他 piece 不动
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}
	pt.pieces = slices.Replace(pt.pieces, idx, idx+1, left, np, right)
}

func (pt *PieceTable) delete(pos, n int) {
	pt.length -= n
	idx, offset := pt.locate(pos)
	for n > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(n, cur.length-offset)
		n -= take

		switch {
		case offset == 0 && take == cur.length:
			// 整个 piece 删掉，idx 指向下一个
			pt.pieces = slices.Delete(pt.pieces, idx, idx+1)
		case offset == 0:
			pt.pieces[idx] = piece{buf: cur.buf, offset: cur.offset + take, length: cur.length - take}
			idx++
		case offset+take == cur.length:
			pt.pieces[idx].length = offset
			idx++
		default:
			// 只删中间一段：拆成左右两段
			left := piece{buf: cur.buf, offset: cur.offset, length: offset}
			right := piece{buf: cur.buf, offset: cur.offset + offset + take, length: cur.length - offset - take}
			pt.pieces = slices.Replace(pt.pieces, idx, idx+1, left, right)
			idx += 2
		}
		offset = 0
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
