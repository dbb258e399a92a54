package objfile

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned by Parse when no known container
// signature matches the buffer.
var ErrUnsupportedFormat = errors.New("unsupported object format")

// CorruptError reports a structural violation: a table or section that
// points outside the buffer bounds.
type CorruptError struct {
	Section string
	Offset  uint64
	Reason  string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt object: %s at offset 0x%x: %s", e.Section, e.Offset, e.Reason)
}

// TruncatedError reports a buffer that ends in the middle of a
// structure.
type TruncatedError struct {
	Section string
	Need    uint64
	Have    uint64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated object: %s needs %d bytes, have %d", e.Section, e.Need, e.Have)
}

// IsCorrupt reports whether err is a structural corruption error.
func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// IsTruncated reports whether err indicates a short buffer.
func IsTruncated(err error) bool {
	var te *TruncatedError
	return errors.As(err, &te)
}
