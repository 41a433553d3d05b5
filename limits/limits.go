package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the chunk length requested by the scheduler by default.
	DefaultChunkSize = 1024

	// MaxChunkSize is the maximum allowed chunk size to prevent resource exhaustion.
	MaxChunkSize = 65536

	// MaxFileNameLength is the maximum allowed file name length in bytes.
	// The value (255) matches typical filesystem limits and fits in a uint16.
	MaxFileNameLength = 255

	// MaxPacketSize is the largest payload a single UDP datagram can carry.
	MaxPacketSize = 65507

	// DefaultWindowSize is the number of unacknowledged bytes a sender may
	// have in flight before it stops requesting chunks.
	DefaultWindowSize = 64 * DefaultChunkSize
)

var (
	// ErrChunkTooLarge indicates that a chunk exceeds the maximum allowed size.
	ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

	// ErrFileNameEmpty indicates an empty file name was provided.
	ErrFileNameEmpty = errors.New("empty file name")

	// ErrFileNameTooLong indicates that a file name exceeds the maximum allowed length.
	ErrFileNameTooLong = errors.New("file name too long")
)

// ValidateChunkLength validates a chunk length against MaxChunkSize.
// Zero is valid: it is the end-of-file sentinel.
func ValidateChunkLength(n int) error {
	if n > MaxChunkSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrChunkTooLarge, n, MaxChunkSize)
	}
	return nil
}

// ValidateChunk validates chunk data against MaxChunkSize.
func ValidateChunk(data []byte) error {
	return ValidateChunkLength(len(data))
}

// ValidateFileName validates a file name against MaxFileNameLength.
// Returns an error with context if the name is empty or exceeds the limit.
func ValidateFileName(name string) error {
	if len(name) == 0 {
		return ErrFileNameEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrFileNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}
