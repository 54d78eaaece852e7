package ota

import (
	"errors"
	"fmt"

	"github.com/bigbag/papyrix-ota/internal/protocol"
)

// Error kinds. Every error returned by Machine matches exactly one of these
// with errors.Is.
var (
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidSize      = protocol.ErrInvalidSize
	ErrInvalidFormat    = protocol.ErrInvalidFormat
	ErrSequenceMismatch = errors.New("sequence mismatch")
	ErrStorage          = errors.New("storage failure")
	ErrNotFound         = errors.New("no staging region available")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// InvalidStateError reports an operation invoked from the wrong state.
type InvalidStateError struct {
	Op       string
	Current  State
	Required State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: state is %s, want %s", e.Op, e.Current, e.Required)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// SequenceError reports a chunk delivered out of order.
type SequenceError struct {
	Expected uint32
	Actual   uint32
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("sequence mismatch: expected chunk %d, got %d", e.Expected, e.Actual)
}

func (e *SequenceError) Unwrap() error { return ErrSequenceMismatch }

// StorageError wraps a failure reported by the Stager.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

// Is matches ErrStorage in addition to the wrapped cause.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// ChecksumError reports an image whose CRC does not match its header.
type ChecksumError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: header declares 0x%08X, image is 0x%08X", e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }
