package file

import (
	"fmt"
	"io"

	"github.com/opd-ai/toxfile/limits"
	"github.com/sirupsen/logrus"
)

// HandleChunkRequest answers a chunk request for an outgoing transfer. A
// zero length is the end-of-file request: an empty chunk is sent back and
// the transfer finishes. Otherwise exactly length bytes are read at
// position and delivered. Seek, read and delivery failures are fatal.
//
// Requests are ignored with ErrTransferNotActive unless the transfer is
// InProgress.
func (t *Transfer) HandleChunkRequest(position uint64, length uint32) error {
	if t.direction != TransferDirectionOutgoing {
		return fmt.Errorf("%w: chunk request on incoming transfer", ErrTransferNotActive)
	}

	t.mu.Lock()
	if t.state != TransferStateInProgress {
		t.mu.Unlock()
		return ErrTransferNotActive
	}

	err := t.serveChunkLocked(position, length)
	if err != nil {
		t.failLocked(err)
	}
	t.unlockAndDispatch()
	return err
}

func (t *Transfer) serveChunkLocked(position uint64, length uint32) error {
	if length == 0 {
		if err := t.send(position, nil); err != nil {
			return err
		}
		t.setStateLocked(TransferStateFinished)
		logrus.WithFields(logrus.Fields{
			"function":    "HandleChunkRequest",
			"friend_id":   t.friendID,
			"file_id":     t.id.FileID.short(),
			"transferred": t.transferred,
		}).Info("Outgoing file transfer finished")
		return nil
	}

	if err := limits.ValidateChunkLength(int(length)); err != nil {
		return err
	}
	if position > t.size || uint64(length) > t.size-position {
		return fmt.Errorf("%w: position %d length %d size %d", ErrChunkOutOfRange, position, length, t.size)
	}

	reader, ok := t.stream.(io.Reader)
	if !ok {
		return fmt.Errorf("%w: outgoing stream must implement io.Reader", ErrStreamUnsupported)
	}
	if err := t.seekLocked(position); err != nil {
		return err
	}

	chunk := make([]byte, length)
	if _, err := io.ReadFull(reader, chunk); err != nil {
		return fmt.Errorf("read chunk at %d: %w", position, err)
	}
	t.transferred = position + uint64(length)

	if err := t.send(position, chunk); err != nil {
		return err
	}
	t.updateProgressLocked()
	return nil
}

func (t *Transfer) send(position uint64, data []byte) error {
	if t.messenger == nil {
		return nil
	}
	if err := t.messenger.SendChunk(t.friendID, t.id.FileID, position, data); err != nil {
		return fmt.Errorf("deliver chunk at %d: %w", position, err)
	}
	return nil
}

// HandleChunk writes a chunk delivered to an incoming transfer. Empty data
// is the end-of-file marker and finishes the transfer. A chunk before the
// cursor is a retransmission and overwrites what is there; a chunk past the
// cursor means bytes were skipped and is fatal, as are seek and write
// failures.
//
// Chunks are ignored with ErrTransferNotActive unless the transfer is
// InProgress.
func (t *Transfer) HandleChunk(position uint64, data []byte) error {
	if t.direction != TransferDirectionIncoming {
		return fmt.Errorf("%w: chunk delivery on outgoing transfer", ErrTransferNotActive)
	}

	t.mu.Lock()
	if t.state != TransferStateInProgress {
		t.mu.Unlock()
		return ErrTransferNotActive
	}

	err := t.writeChunkLocked(position, data)
	if err != nil {
		t.failLocked(err)
	}
	t.unlockAndDispatch()
	return err
}

func (t *Transfer) writeChunkLocked(position uint64, data []byte) error {
	if len(data) == 0 {
		t.setStateLocked(TransferStateFinished)
		logrus.WithFields(logrus.Fields{
			"function":    "HandleChunk",
			"friend_id":   t.friendID,
			"file_id":     t.id.FileID.short(),
			"transferred": t.transferred,
		}).Info("Incoming file transfer finished")
		return nil
	}

	if err := limits.ValidateChunk(data); err != nil {
		return err
	}
	if position > t.transferred {
		return fmt.Errorf("%w: position %d, cursor %d", ErrChunkGap, position, t.transferred)
	}
	if uint64(len(data)) > t.size-position {
		return fmt.Errorf("%w: position %d length %d size %d", ErrChunkOutOfRange, position, len(data), t.size)
	}

	writer, ok := t.stream.(io.Writer)
	if !ok {
		return fmt.Errorf("%w: incoming stream must implement io.Writer", ErrStreamUnsupported)
	}

	committed := t.transferred
	if position < committed {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleChunk",
			"friend_id": t.friendID,
			"file_id":   t.id.FileID.short(),
			"position":  position,
			"cursor":    committed,
		}).Debug("Overwriting retransmitted chunk")
		if err := t.seekLocked(position); err != nil {
			return err
		}
	}

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("write chunk at %d: %w", position, err)
	}
	t.transferred = position + uint64(len(data))

	// An overlap shorter than what was already committed leaves the cursor
	// behind; move it back to the end of the committed bytes.
	if t.transferred < committed {
		if err := t.seekLocked(committed); err != nil {
			return err
		}
	}

	t.updateProgressLocked()
	return nil
}

// seekLocked moves the stream cursor to position if it is not already
// there and keeps transferred in step with it.
func (t *Transfer) seekLocked(position uint64) error {
	if t.stream == nil {
		return ErrNoStream
	}
	if position == t.transferred {
		return nil
	}
	if _, err := t.stream.Seek(int64(position), io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", position, err)
	}
	t.transferred = position
	return nil
}
