package file

import (
	"fmt"
	"io"
	"math/bits"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream is the backing store of a transfer. Outgoing transfers also need
// io.Reader, incoming transfers io.Writer. If the stream implements
// io.Closer it is closed when the transfer reaches a terminal state.
type Stream interface {
	io.Seeker
}

// Messenger is the outbound half of the transport contract. Implementations
// must not block on the network for long and must not call back into the
// transfer synchronously.
type Messenger interface {
	// SendRequest announces an outgoing transfer to the friend.
	SendRequest(friendID uint32, fileID FileID, kind Kind, size uint64, name string) error
	// SendControl sends a pause, resume or cancel signal for a transfer.
	SendControl(friendID uint32, fileID FileID, control Control) error
	// SendChunk delivers data at position. Empty data marks end of file.
	SendChunk(friendID uint32, fileID FileID, position uint64, data []byte) error
}

// TransferConfig carries the collaborators every transfer is built with.
type TransferConfig struct {
	Messenger Messenger
	Observer  Observer
	// TimeProvider defaults to the wall clock.
	TimeProvider TimeProvider
	// SampleInterval is the speed sampling cadence. Zero selects
	// SpeedSampleInterval; a negative value disables the background sampler.
	SampleInterval time.Duration
}

func (c TransferConfig) withDefaults() TransferConfig {
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	if c.TimeProvider == nil {
		c.TimeProvider = defaultTimeProvider
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = SpeedSampleInterval
	}
	return c
}

// Transfer represents a single file transfer with one friend.
//
// Identity fields are immutable. Everything else is guarded by mu and
// mutated only by the transfer's own handlers and its speed sampler.
type Transfer struct {
	friendID  uint32
	id        TransferID
	direction TransferDirection
	kind      Kind
	name      string
	size      uint64

	mu           sync.Mutex
	state        TransferState
	transferred  uint64
	stream       Stream
	err          error
	messenger    Messenger
	observer     Observer
	timeProvider TimeProvider

	sampleInterval time.Duration
	sampler        *speedSampler
	samplerGen     uint64
	speed          uint64
	sampledBytes   uint64
	accumulated    time.Duration
	lastResume     time.Time
	lastPercent    uint64

	onTerminal func(*Transfer)
	pending    []func()
}

// NewTransfer creates a transfer in the Pending state. Outgoing transfers
// need their stream now; incoming transfers receive it through Accept and
// may pass nil.
func NewTransfer(friendID uint32, id TransferID, direction TransferDirection, kind Kind, name string, size uint64, stream Stream, cfg TransferConfig) *Transfer {
	logrus.WithFields(logrus.Fields{
		"function":  "NewTransfer",
		"friend_id": friendID,
		"file_id":   id.FileID.short(),
		"number":    id.Number,
		"file_name": name,
		"file_size": size,
		"direction": direction,
		"kind":      kind,
	}).Info("Creating new file transfer")

	cfg = cfg.withDefaults()
	return &Transfer{
		friendID:       friendID,
		id:             id,
		direction:      direction,
		kind:           kind,
		name:           name,
		size:           size,
		state:          TransferStatePending,
		stream:         stream,
		messenger:      cfg.Messenger,
		observer:       cfg.Observer,
		timeProvider:   cfg.TimeProvider,
		sampleInterval: cfg.SampleInterval,
	}
}

// newResumedTransfer rebuilds a Broken transfer from a token. The stream
// must already be positioned at token.Transferred.
func newResumedTransfer(token ResumeToken, stream Stream, cfg TransferConfig) *Transfer {
	t := NewTransfer(token.FriendID, TransferID{Number: token.Number, FileID: token.FileID},
		token.Direction, token.Kind, token.Name, token.Size, stream, cfg)
	t.state = TransferStateBroken
	t.transferred = token.Transferred
	t.sampledBytes = token.Transferred
	t.lastPercent = t.percentLocked()
	return t
}

// FriendID returns the friend this transfer is with.
func (t *Transfer) FriendID() uint32 { return t.friendID }

// ID returns the transfer identifier.
func (t *Transfer) ID() TransferID { return t.id }

// FileID returns the tag shared with the peer.
func (t *Transfer) FileID() FileID { return t.id.FileID }

// Direction returns whether the transfer sends or receives.
func (t *Transfer) Direction() TransferDirection { return t.direction }

// Kind returns the payload classification.
func (t *Transfer) Kind() Kind { return t.kind }

// Name returns the file name announced for the transfer.
func (t *Transfer) Name() string { return t.name }

// Size returns the total payload length.
func (t *Transfer) Size() uint64 { return t.size }

// State returns the current state.
func (t *Transfer) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transferred returns the number of bytes committed to or read from the
// stream. It always equals the stream cursor.
func (t *Transfer) Transferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Err returns the fatal error that canceled the transfer, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Progress returns transferred/size in the range 0.0 to 1.0.
func (t *Transfer) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

// Speed returns the last sampled speed in bytes per second. It is zero
// whenever the transfer is not InProgress.
func (t *Transfer) Speed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speed
}

// Elapsed returns the total time spent InProgress across pause, resume and
// broken cycles.
func (t *Transfer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TransferStateInProgress {
		return t.accumulated + t.timeProvider.Since(t.lastResume)
	}
	return t.accumulated
}

// RemainingTime estimates the time left at the current speed. The second
// result is false when the speed is zero and no estimate exists.
func (t *Transfer) RemainingTime() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.speed == 0 {
		return 0, false
	}
	remaining := float64(t.size-t.transferred) / float64(t.speed)
	return time.Duration(remaining * float64(time.Second)), true
}

// Accept attaches the destination stream to a Pending incoming transfer and
// starts it. The peer is told to begin sending.
func (t *Transfer) Accept(stream Stream) error {
	if t.direction != TransferDirectionIncoming {
		return fmt.Errorf("%w: only incoming transfers can be accepted", ErrInvalidTransition)
	}
	if err := checkStream(t.direction, stream); err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != TransferStatePending {
		state := t.state
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":      "Accept",
			"friend_id":     t.friendID,
			"file_id":       t.id.FileID.short(),
			"current_state": state,
		}).Error("Transfer cannot be accepted in current state")
		return fmt.Errorf("%w: cannot accept from %s", ErrInvalidTransition, state)
	}
	t.stream = stream
	t.setStateLocked(TransferStateInProgress)
	t.queueControlLocked(ControlResume)
	t.unlockAndDispatch()

	logrus.WithFields(logrus.Fields{
		"function":  "Accept",
		"friend_id": t.friendID,
		"file_id":   t.id.FileID.short(),
		"file_name": t.name,
	}).Info("Incoming file transfer accepted")
	return nil
}

// Pause halts a running transfer and tells the peer.
func (t *Transfer) Pause() error {
	t.mu.Lock()
	switch t.state {
	case TransferStatePausedByUser:
		t.mu.Unlock()
		return nil
	case TransferStateInProgress:
	default:
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, state)
	}
	t.setStateLocked(TransferStatePausedByUser)
	t.queueControlLocked(ControlPause)
	t.unlockAndDispatch()

	logrus.WithFields(logrus.Fields{
		"function":  "Pause",
		"friend_id": t.friendID,
		"file_id":   t.id.FileID.short(),
	}).Info("File transfer paused")
	return nil
}

// Resume continues a paused transfer or reattaches a broken one. For a
// broken outgoing transfer the send request is announced again with the
// same file ID so the receiver can match it; a broken incoming transfer
// tells the sender to continue from the committed offset.
func (t *Transfer) Resume() error {
	t.mu.Lock()
	switch {
	case t.state == TransferStateInProgress:
		t.mu.Unlock()
		return nil
	case t.state.IsPaused():
		t.setStateLocked(TransferStateInProgress)
		t.queueControlLocked(ControlResume)
	case t.state == TransferStateBroken:
		if t.stream == nil {
			t.mu.Unlock()
			return ErrNoStream
		}
		t.setStateLocked(TransferStateInProgress)
		if t.direction == TransferDirectionOutgoing {
			t.queueRequestLocked()
		} else {
			t.queueControlLocked(ControlResume)
		}
	default:
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, state)
	}
	t.unlockAndDispatch()

	logrus.WithFields(logrus.Fields{
		"function":    "Resume",
		"friend_id":   t.friendID,
		"file_id":     t.id.FileID.short(),
		"transferred": t.Transferred(),
	}).Info("File transfer resumed")
	return nil
}

// Cancel aborts the transfer and tells the peer. The state is Canceled
// when Cancel returns.
func (t *Transfer) Cancel() error {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return fmt.Errorf("%w: transfer already finished", ErrInvalidTransition)
	}
	t.setStateLocked(TransferStateCanceled)
	t.queueControlLocked(ControlCancel)
	t.unlockAndDispatch()

	logrus.WithFields(logrus.Fields{
		"function":  "Cancel",
		"friend_id": t.friendID,
		"file_id":   t.id.FileID.short(),
	}).Info("File transfer canceled")
	return nil
}

// HandleControl applies a control signal received from the peer.
func (t *Transfer) HandleControl(control Control) error {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return ErrTransferNotActive
	}

	switch control {
	case ControlPause:
		if t.state == TransferStateInProgress {
			t.setStateLocked(TransferStatePausedByFriend)
		}
	case ControlResume:
		switch {
		// A broken transfer only resumes through a fresh offer, so a
		// late Resume cannot restart it behind the scheduler's back.
		case t.state == TransferStatePending && t.direction == TransferDirectionOutgoing,
			t.state.IsPaused():
			t.setStateLocked(TransferStateInProgress)
		}
	case ControlCancel:
		t.setStateLocked(TransferStateCanceled)
	default:
		err := fmt.Errorf("%w: %d", ErrUnknownControl, uint8(control))
		t.queueErrorLocked(err)
		t.unlockAndDispatch()
		logrus.WithFields(logrus.Fields{
			"function":  "HandleControl",
			"friend_id": t.friendID,
			"file_id":   t.id.FileID.short(),
			"control":   uint8(control),
		}).Warn("Ignoring unknown file control")
		return err
	}
	t.unlockAndDispatch()

	logrus.WithFields(logrus.Fields{
		"function":  "HandleControl",
		"friend_id": t.friendID,
		"file_id":   t.id.FileID.short(),
		"control":   control,
	}).Debug("Applied remote file control")
	return nil
}

// MarkBroken suspends an active transfer after connectivity was lost. The
// byte count and stream are kept as they are so the transfer can resume.
// It reports whether the state changed.
func (t *Transfer) MarkBroken() bool {
	t.mu.Lock()
	if t.state == TransferStatePending || !canTransition(t.state, TransferStateBroken) {
		t.mu.Unlock()
		return false
	}
	t.setStateLocked(TransferStateBroken)
	t.unlockAndDispatch()

	logrus.WithFields(logrus.Fields{
		"function":    "MarkBroken",
		"friend_id":   t.friendID,
		"file_id":     t.id.FileID.short(),
		"transferred": t.Transferred(),
	}).Info("File transfer broken by lost connectivity")
	return true
}

// setStateLocked performs a legal transition and queues its side effects.
// It is a no-op for same-state and illegal transitions.
func (t *Transfer) setStateLocked(to TransferState) bool {
	from := t.state
	if from == to || !canTransition(from, to) {
		return false
	}

	now := t.timeProvider.Now()
	if from == TransferStateInProgress {
		t.accumulated += now.Sub(t.lastResume)
		t.stopSamplerLocked()
		if t.speed != 0 {
			t.speed = 0
			t.queueSpeedLocked(0)
		}
	}

	t.state = to

	if to == TransferStateInProgress {
		t.lastResume = now
		t.sampledBytes = t.transferred
		t.startSamplerLocked()
	}
	if to.IsTerminal() {
		t.releaseStreamLocked()
	}

	observer := t.observer
	t.pending = append(t.pending, func() { observer.OnStateChanged(t, from, to) })
	if to.IsTerminal() && t.onTerminal != nil {
		onTerminal := t.onTerminal
		t.pending = append(t.pending, func() { onTerminal(t) })
	}

	logrus.WithFields(logrus.Fields{
		"function":    "setState",
		"friend_id":   t.friendID,
		"file_id":     t.id.FileID.short(),
		"from":        from,
		"to":          to,
		"transferred": t.transferred,
	}).Debug("File transfer state changed")
	return true
}

// failLocked reports a fatal error and cancels the transfer, informing the peer.
func (t *Transfer) failLocked(err error) {
	logrus.WithFields(logrus.Fields{
		"function":    "fail",
		"friend_id":   t.friendID,
		"file_id":     t.id.FileID.short(),
		"transferred": t.transferred,
		"error":       err.Error(),
	}).Error("Fatal file transfer error, canceling")

	t.err = err
	t.queueErrorLocked(err)
	if t.setStateLocked(TransferStateCanceled) {
		t.queueControlLocked(ControlCancel)
	}
}

func (t *Transfer) releaseStreamLocked() {
	if closer, ok := t.stream.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "releaseStream",
				"friend_id": t.friendID,
				"file_id":   t.id.FileID.short(),
				"error":     err.Error(),
			}).Warn("Failed to close stream")
		}
	}
	t.stream = nil
}

func (t *Transfer) startSamplerLocked() {
	t.samplerGen++
	if t.sampleInterval < 0 {
		return
	}
	gen := t.samplerGen
	t.sampler = startSampler(t.sampleInterval, func() { t.sampleSpeed(gen) })
}

func (t *Transfer) stopSamplerLocked() {
	t.samplerGen++
	if t.sampler != nil {
		t.sampler.Stop()
		t.sampler = nil
	}
}

// sampleSpeed is one sampler tick. Ticks from a stopped sampler are ignored.
func (t *Transfer) sampleSpeed(gen uint64) {
	t.mu.Lock()
	if t.state != TransferStateInProgress || gen != t.samplerGen {
		t.mu.Unlock()
		return
	}
	t.sampleSpeedLocked()
	t.unlockAndDispatch()
}

func (t *Transfer) sampleSpeedLocked() {
	var delta uint64
	if t.transferred > t.sampledBytes {
		delta = t.transferred - t.sampledBytes
	}
	t.sampledBytes = t.transferred

	speed := speedFromDelta(delta, t.sampleInterval)
	if speed != t.speed {
		t.speed = speed
		t.queueSpeedLocked(speed)
	}
}

func (t *Transfer) progressLocked() float64 {
	if t.size == 0 {
		if t.state == TransferStateFinished {
			return 1
		}
		return 0
	}
	return float64(t.transferred) / float64(t.size)
}

// percentLocked returns floor(transferred*100/size) without float rounding.
func (t *Transfer) percentLocked() uint64 {
	if t.size == 0 {
		return 0
	}
	hi, lo := bits.Mul64(t.transferred, 100)
	q, _ := bits.Div64(hi, lo, t.size)
	return q
}

// updateProgressLocked queues a progress event when the integer percentage changed.
func (t *Transfer) updateProgressLocked() {
	percent := t.percentLocked()
	if percent == t.lastPercent {
		return
	}
	t.lastPercent = percent
	progress := t.progressLocked()
	observer := t.observer
	t.pending = append(t.pending, func() { observer.OnProgressChanged(t, progress) })
}

func (t *Transfer) queueSpeedLocked(speed uint64) {
	observer := t.observer
	t.pending = append(t.pending, func() { observer.OnSpeedChanged(t, speed) })
}

func (t *Transfer) queueErrorLocked(err error) {
	observer := t.observer
	t.pending = append(t.pending, func() { observer.OnError(t, err) })
}

func (t *Transfer) queueControlLocked(control Control) {
	if t.messenger == nil {
		return
	}
	messenger, friendID, fileID := t.messenger, t.friendID, t.id.FileID
	t.pending = append(t.pending, func() {
		if err := messenger.SendControl(friendID, fileID, control); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "SendControl",
				"friend_id": friendID,
				"file_id":   fileID.short(),
				"control":   control,
				"error":     err.Error(),
			}).Warn("Failed to send file control")
		}
	})
}

func (t *Transfer) queueRequestLocked() {
	if t.messenger == nil {
		return
	}
	messenger := t.messenger
	t.pending = append(t.pending, func() {
		if err := messenger.SendRequest(t.friendID, t.id.FileID, t.kind, t.size, t.name); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "SendRequest",
				"friend_id": t.friendID,
				"file_id":   t.id.FileID.short(),
				"error":     err.Error(),
			}).Warn("Failed to re-announce file transfer")
		}
	})
}

// unlockAndDispatch releases mu and then runs queued events and sends in order.
func (t *Transfer) unlockAndDispatch() {
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// checkStream verifies the stream supports the I/O the direction needs.
func checkStream(direction TransferDirection, stream Stream) error {
	if stream == nil {
		return ErrNoStream
	}
	switch direction {
	case TransferDirectionOutgoing:
		if _, ok := stream.(io.Reader); !ok {
			return fmt.Errorf("%w: outgoing stream must implement io.Reader", ErrStreamUnsupported)
		}
	case TransferDirectionIncoming:
		if _, ok := stream.(io.Writer); !ok {
			return fmt.Errorf("%w: incoming stream must implement io.Writer", ErrStreamUnsupported)
		}
	}
	return nil
}
