package file

import "errors"

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrInvalidTransition indicates that a local operation is not legal in the
// transfer's current state.
var ErrInvalidTransition = errors.New("invalid transfer state transition")

// ErrTransferNotActive is returned when a chunk or control event arrives for a
// transfer that is not in a state that accepts it. The event is ignored.
var ErrTransferNotActive = errors.New("transfer is not active")

// ErrChunkGap indicates an incoming chunk skipped bytes past the stream cursor.
var ErrChunkGap = errors.New("chunk position is past the stream cursor")

// ErrChunkOutOfRange indicates a chunk that would move the cursor past the file size.
var ErrChunkOutOfRange = errors.New("chunk exceeds file size")

// ErrUnknownControl indicates a control signal with an unrecognized value.
var ErrUnknownControl = errors.New("unknown file control")

// ErrDuplicateTransfer indicates a live transfer with the same file ID already exists.
var ErrDuplicateTransfer = errors.New("transfer with this file id is already active")

// ErrPeerMismatch indicates a resume token belongs to a different friend.
var ErrPeerMismatch = errors.New("resume token belongs to another friend")

// ErrResumeMismatch indicates a re-announced file does not match the broken
// transfer it would resume.
var ErrResumeMismatch = errors.New("re-announced file does not match broken transfer")

// ErrTransferNotFound indicates no transfer matches the given identifiers.
var ErrTransferNotFound = errors.New("transfer not found")

// ErrInvalidToken indicates a resume token failed validation or decoding.
var ErrInvalidToken = errors.New("invalid resume token")

// ErrStreamUnsupported indicates the stream does not support the I/O the
// transfer direction needs (reading for outgoing, writing for incoming).
var ErrStreamUnsupported = errors.New("stream does not support required operation")

// ErrNoStream indicates the transfer has no stream attached.
var ErrNoStream = errors.New("transfer has no stream attached")
