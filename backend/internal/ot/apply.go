package ot

import (
	"errors"
	"fmt"
)

var ErrOutOfBounds = errors.New("OPERATION_OUT_OF_BOUNDS")

// Apply returns content with op applied. Positions are checked again here even
// though callers validate first.
func Apply(content string, op Operation) (string, error) {
	r := []rune(content)
	if err := checkBounds(op, len(r)); err != nil {
		return "", err
	}
	if op.IsNoop() {
		return content, nil
	}
	out := make([]rune, 0, len(r)+op.Growth())
	out = append(out, r[:op.Position]...)
	out = append(out, []rune(op.Inserted())...)
	out = append(out, r[op.end():]...)
	return string(out), nil
}

// ApplyAll applies ops in order and stops at the first failure.
func ApplyAll(content string, ops []Operation) (string, error) {
	var err error
	for i, op := range ops {
		if content, err = Apply(content, op); err != nil {
			return "", fmt.Errorf("op %d (%s): %w", i, op.ID, err)
		}
	}
	return content, nil
}

func checkBounds(op Operation, contentLength int) error {
	if op.Position < 0 || op.Length < 0 || op.Position > contentLength {
		return fmt.Errorf("%w: position=%d length=%d content=%d", ErrOutOfBounds, op.Position, op.Length, contentLength)
	}
	if op.end() > contentLength {
		return fmt.Errorf("%w: range end %d beyond content length %d", ErrOutOfBounds, op.end(), contentLength)
	}
	return nil
}
