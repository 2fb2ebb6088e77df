package ot

import (
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Operation 是一次原子编辑意图。Position/Length 以 rune 计数。
// Clock 在客户端提交时是客户端的逻辑时钟，落库后被服务端改写为批次时钟；
// Seq 是该操作在所属批次内的下标。
type Operation struct {
	ID        string    `json:"id"`
	DocID     string    `json:"docId"`
	UserID    string    `json:"userId"`
	Kind      Kind      `json:"kind"`
	Position  int       `json:"position"`
	Length    int       `json:"length,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Clock     uint64    `json:"clock"`
	Seq       int       `json:"seq,omitempty"`
}

// Span returns how many existing characters the operation removes.
func (op Operation) Span() int {
	if op.Kind == KindInsert {
		return 0
	}
	return op.Length
}

// Inserted returns the text the operation writes.
func (op Operation) Inserted() string {
	if op.Kind == KindDelete {
		return ""
	}
	return op.Text
}

// Growth is the change in document length (runes) after applying op.
func (op Operation) Growth() int {
	return utf8.RuneCountInString(op.Inserted()) - op.Span()
}

// IsNoop reports whether applying op leaves any content unchanged.
func (op Operation) IsNoop() bool {
	return op.Span() == 0 && op.Inserted() == ""
}

// end is the exclusive end of the range op removes.
func (op Operation) end() int {
	return op.Position + op.Span()
}

// reshape rebuilds op around a new (position, length, text) triple and picks
// the kind that describes it: an op that only removes is a Delete, one that
// only writes is an Insert, and one that does both is a Replace.
func (op Operation) reshape(pos, length int, text string) Operation {
	out := op
	out.Position = pos
	switch {
	case text == "":
		out.Kind, out.Length, out.Text = KindDelete, length, ""
	case length == 0:
		out.Kind, out.Length, out.Text = KindInsert, 0, text
	default:
		out.Kind, out.Length, out.Text = KindReplace, length, text
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
