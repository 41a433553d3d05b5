package file

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/opd-ai/toxfile/limits"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// RegistryConfig configures a Registry. The embedded TransferConfig is
// applied to every transfer the registry creates.
type RegistryConfig struct {
	TransferConfig

	// OnFileRecv is called for every new incoming transfer, in the Pending
	// state. The application accepts it with Transfer.Accept.
	OnFileRecv func(t *Transfer)
}

// Registry owns the live transfers with one friend. It routes chunk,
// control and request events to the right transfer by file ID and drops
// transfers once they reach a terminal state.
type Registry struct {
	friendID uint32
	config   RegistryConfig

	mu         sync.Mutex
	transfers  map[FileID]*Transfer
	nextNumber uint32
}

// NewRegistry creates an empty registry for friendID.
func NewRegistry(friendID uint32, config RegistryConfig) *Registry {
	config.TransferConfig = config.TransferConfig.withDefaults()
	return &Registry{
		friendID:  friendID,
		config:    config,
		transfers: make(map[FileID]*Transfer),
	}
}

// FriendID returns the friend this registry belongs to.
func (r *Registry) FriendID() uint32 { return r.friendID }

// SendFile starts an outgoing transfer of stream under a random file ID.
// The size is taken from the stream, which is rewound to its start.
func (r *Registry) SendFile(stream io.ReadSeeker, name string, kind Kind) (*Transfer, error) {
	fileID, err := NewFileID()
	if err != nil {
		return nil, err
	}
	return r.SendFileWithID(stream, fileID, name, kind)
}

// SendFileWithID starts an outgoing transfer using the given file ID.
// Content-derived IDs (HashFileID) let the receiver resume after restarts.
func (r *Registry) SendFileWithID(stream io.ReadSeeker, fileID FileID, name string, kind Kind) (*Transfer, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "SendFile",
		"friend_id": r.friendID,
		"file_id":   fileID.short(),
		"file_name": name,
	}).Info("Initiating outgoing file transfer")

	if err := limits.ValidateFileName(name); err != nil {
		return nil, err
	}
	size, err := streamSize(stream)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.transfers[fileID]; ok && !existing.State().IsTerminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: friend %d file %s", ErrDuplicateTransfer, r.friendID, fileID.short())
	}
	r.nextNumber++
	id := TransferID{Number: r.nextNumber, FileID: fileID}
	t := NewTransfer(r.friendID, id, TransferDirectionOutgoing, kind, name, size, stream, r.config.TransferConfig)
	r.insertLocked(t)
	r.mu.Unlock()

	if messenger := r.config.Messenger; messenger != nil {
		if err := messenger.SendRequest(r.friendID, fileID, kind, size, name); err != nil {
			r.remove(t)
			return nil, fmt.Errorf("failed to send file request: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SendFile",
		"friend_id": r.friendID,
		"file_id":   fileID.short(),
		"number":    id.Number,
		"file_size": size,
	}).Info("File transfer request sent successfully")
	return t, nil
}

// HandleSendRequest processes a send request from the friend. If a broken
// incoming transfer with the same file ID exists it is resumed in place and
// returned with resumed set; otherwise a new Pending incoming transfer is
// created and announced through OnFileRecv.
func (r *Registry) HandleSendRequest(fileID FileID, kind Kind, size uint64, name string) (t *Transfer, resumed bool, err error) {
	if err := limits.ValidateFileName(name); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	if existing, ok := r.transfers[fileID]; ok {
		state := existing.State()
		switch {
		case state.IsTerminal():
		case state == TransferStateBroken && existing.Direction() == TransferDirectionIncoming:
			r.mu.Unlock()
			if size != existing.Size() || kind != existing.Kind() {
				logrus.WithFields(logrus.Fields{
					"function":  "HandleSendRequest",
					"friend_id": r.friendID,
					"file_id":   fileID.short(),
					"file_size": size,
					"expected":  existing.Size(),
				}).Warn("Send request does not match broken transfer")
				return nil, false, fmt.Errorf("%w: friend %d file %s announced %s/%d, have %s/%d",
					ErrResumeMismatch, r.friendID, fileID.short(), kind, size, existing.Kind(), existing.Size())
			}
			logrus.WithFields(logrus.Fields{
				"function":    "HandleSendRequest",
				"friend_id":   r.friendID,
				"file_id":     fileID.short(),
				"transferred": existing.Transferred(),
			}).Info("Send request matches broken transfer, resuming")
			if err := existing.Resume(); err != nil {
				return nil, false, err
			}
			return existing, true, nil
		default:
			r.mu.Unlock()
			return nil, false, fmt.Errorf("%w: friend %d file %s is %s", ErrDuplicateTransfer, r.friendID, fileID.short(), state)
		}
	}
	r.nextNumber++
	id := TransferID{Number: r.nextNumber, FileID: fileID}
	t = NewTransfer(r.friendID, id, TransferDirectionIncoming, kind, name, size, nil, r.config.TransferConfig)
	r.insertLocked(t)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "HandleSendRequest",
		"friend_id": r.friendID,
		"file_id":   fileID.short(),
		"file_name": name,
		"file_size": size,
	}).Info("Incoming file transfer created")

	if r.config.OnFileRecv != nil {
		r.config.OnFileRecv(t)
	}
	return t, false, nil
}

// HandleChunkRequest routes a chunk request to the matching outgoing transfer.
func (r *Registry) HandleChunkRequest(fileID FileID, position uint64, length uint32) error {
	t, err := r.Get(fileID)
	if err != nil {
		return err
	}
	return t.HandleChunkRequest(position, length)
}

// HandleChunk routes a delivered chunk to the matching incoming transfer.
func (r *Registry) HandleChunk(fileID FileID, position uint64, data []byte) error {
	t, err := r.Get(fileID)
	if err != nil {
		return err
	}
	return t.HandleChunk(position, data)
}

// HandleControl routes a control signal to the matching transfer.
func (r *Registry) HandleControl(fileID FileID, control Control) error {
	t, err := r.Get(fileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleControl",
			"friend_id": r.friendID,
			"file_id":   fileID.short(),
			"control":   control,
		}).Warn("Transfer not found for control message")
		return err
	}
	return t.HandleControl(control)
}

// SetConnected applies a connectivity change. Going offline breaks every
// active transfer; coming online changes nothing until a transfer is
// resumed. It returns the transfers that were broken.
func (r *Registry) SetConnected(online bool) []*Transfer {
	if online {
		return nil
	}
	broken := lo.Filter(r.Transfers(), func(t *Transfer, _ int) bool {
		return t.MarkBroken()
	})

	logrus.WithFields(logrus.Fields{
		"function":  "SetConnected",
		"friend_id": r.friendID,
		"broken":    len(broken),
	}).Info("Friend went offline")
	return broken
}

// Resume rebuilds a broken transfer from token and registers it. The stream
// must already be positioned at token.Transferred. The transfer starts in
// the Broken state; call Resume on it, or let a matching send request from
// the friend resume it.
func (r *Registry) Resume(token ResumeToken, stream Stream) (*Transfer, error) {
	if token.FriendID != r.friendID {
		return nil, fmt.Errorf("%w: token friend %d, registry friend %d", ErrPeerMismatch, token.FriendID, r.friendID)
	}
	if err := token.Validate(); err != nil {
		return nil, err
	}
	if err := checkStream(token.Direction, stream); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.transfers[token.FileID]; ok && !existing.State().IsTerminal() {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: friend %d file %s", ErrDuplicateTransfer, r.friendID, token.FileID.short())
	}
	if token.Number > r.nextNumber {
		r.nextNumber = token.Number
	}
	t := newResumedTransfer(token, stream, r.config.TransferConfig)
	r.insertLocked(t)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Resume",
		"friend_id":   r.friendID,
		"file_id":     token.FileID.short(),
		"direction":   token.Direction,
		"transferred": token.Transferred,
	}).Info("Broken file transfer restored from token")
	return t, nil
}

// Get returns the live transfer with fileID.
func (r *Registry) Get(fileID FileID) (*Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: friend %d file %s", ErrTransferNotFound, r.friendID, fileID.short())
	}
	return t, nil
}

// GetByNumber returns the live transfer with the given local number.
func (r *Registry) GetByNumber(number uint32) (*Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := lo.Find(lo.Values(r.transfers), func(t *Transfer) bool {
		return t.ID().Number == number
	})
	if !ok {
		return nil, fmt.Errorf("%w: friend %d number %d", ErrTransferNotFound, r.friendID, number)
	}
	return t, nil
}

// Transfers returns the live transfers ordered by number.
func (r *Registry) Transfers() []*Transfer {
	r.mu.Lock()
	transfers := lo.Values(r.transfers)
	r.mu.Unlock()

	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].ID().Number < transfers[j].ID().Number
	})
	return transfers
}

// Len returns the number of live transfers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

func (r *Registry) insertLocked(t *Transfer) {
	t.onTerminal = r.remove
	r.transfers[t.FileID()] = t
}

// remove drops t if it is still the registered transfer for its file ID.
func (r *Registry) remove(t *Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.transfers[t.FileID()]; ok && current == t {
		delete(r.transfers, t.FileID())
		logrus.WithFields(logrus.Fields{
			"function":  "remove",
			"friend_id": r.friendID,
			"file_id":   t.FileID().short(),
			"remaining": len(r.transfers),
		}).Debug("Transfer removed from registry")
	}
}

// streamSize returns the length of stream and rewinds it to the start.
func streamSize(stream io.Seeker) (uint64, error) {
	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("determine stream size: %w", err)
	}
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind stream: %w", err)
	}
	return uint64(end), nil
}
