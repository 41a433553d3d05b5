// Package limits provides centralized size constants and validation functions
// for file transfers. Every component that accepts data from the network or
// from a persisted resume token validates against these limits so that an
// oversized chunk or name is rejected consistently.
//
// # Size Hierarchy
//
//   - DefaultChunkSize (1024 bytes): the chunk length the scheduler requests
//     when no other value is configured.
//
//   - MaxChunkSize (65536 bytes): the largest chunk a transfer will read or
//     write in one step. Larger requests are treated as a protocol violation.
//
//   - MaxFileNameLength (255 bytes): matches typical filesystem limits and
//     fits in the uint16 length prefix used on the wire.
//
//   - MaxPacketSize (65507 bytes): the largest UDP payload; used to size
//     transport read buffers.
//
// # Validation Functions
//
//	if err := limits.ValidateChunkLength(n); err != nil {
//	    // errors.Is(err, limits.ErrChunkTooLarge)
//	}
//
//	if err := limits.ValidateFileName(name); err != nil {
//	    // limits.ErrFileNameEmpty or limits.ErrFileNameTooLong
//	}
//
// Errors wrap the sentinel values with the actual and maximum sizes.
package limits
