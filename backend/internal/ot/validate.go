package ot

import (
	"fmt"
	"unicode/utf8"
)

type ValidationCode string

const (
	DocMismatch              ValidationCode = "DOC_MISMATCH"
	OutOfBounds              ValidationCode = "OUT_OF_BOUNDS"
	BeyondContentLength      ValidationCode = "BEYOND_CONTENT_LENGTH"
	InvalidControlCharacters ValidationCode = "INVALID_CONTROL_CHARACTERS"
	InvalidKind              ValidationCode = "INVALID_KIND"
	ClockAhead               ValidationCode = "CLOCK_AHEAD"
)

type ValidationError struct {
	Code   ValidationCode
	OpID   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s) op=%s: %s", e.Code, e.OpID, e.Detail)
}

// Validate checks op against the document it targets and that document's
// current length in runes.
func Validate(op Operation, docID string, contentLength int) error {
	fail := func(code ValidationCode, format string, args ...any) error {
		return &ValidationError{Code: code, OpID: op.ID, Detail: fmt.Sprintf(format, args...)}
	}

	if op.DocID != docID {
		return fail(DocMismatch, "operation targets %q, document is %q", op.DocID, docID)
	}
	switch op.Kind {
	case KindInsert, KindDelete, KindReplace:
	default:
		return fail(InvalidKind, "unknown kind %q", op.Kind)
	}
	if op.Position < 0 || op.Length < 0 {
		return fail(OutOfBounds, "negative position %d or length %d", op.Position, op.Length)
	}
	if op.Position > contentLength {
		return fail(OutOfBounds, "position %d beyond content length %d", op.Position, contentLength)
	}
	if op.end() > contentLength {
		return fail(BeyondContentLength, "range [%d,%d) beyond content length %d", op.Position, op.end(), contentLength)
	}
	if bad, ok := findControlChar(op.Inserted()); ok {
		return fail(InvalidControlCharacters, "inserted text contains %U", bad)
	}
	return nil
}

// ValidateClock rejects an operation whose clock runs more than skew ahead of
// docClock, so a batch can never push the document clock past the top of
// its range.
func ValidateClock(op Operation, docClock, skew uint64) error {
	if op.Clock > docClock && op.Clock-docClock > skew {
		return &ValidationError{
			Code:   ClockAhead,
			OpID:   op.ID,
			Detail: fmt.Sprintf("clock %d more than %d ahead of document clock %d", op.Clock, skew, docClock),
		}
	}
	return nil
}

// findControlChar reports the first rune that may not appear in document text:
// NUL and the other C0 controls except tab/newline/carriage return, DEL, and
// bytes that are not valid UTF-8.
func findControlChar(s string) (rune, bool) {
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size <= 1 {
				return r, true
			}
		}
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return r, true
		}
	}
	return 0, false
}
