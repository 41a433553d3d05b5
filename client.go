package toxfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/toxfile/file"
	"github.com/opd-ai/toxfile/store"
	"github.com/opd-ai/toxfile/transport"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// transferKey identifies a transfer across the Client's bookkeeping.
type transferKey struct {
	friendID uint32
	fileID   file.FileID
}

func keyOf(t *file.Transfer) transferKey {
	return transferKey{friendID: t.FriendID(), fileID: t.FileID()}
}

// openFile is a file the Client opened for a transfer.
type openFile struct {
	path string
	f    *os.File
}

// Client runs file transfers for the owning application. It binds a
// transport, keeps the friend address book, checkpoints broken transfers to
// the resume store and restores them after a restart.
type Client struct {
	options       *Options
	transport     transport.Transport
	ownsTransport bool
	manager       *file.Manager
	tokens        *store.TokenStore
	book          *addressBook

	mu           sync.Mutex
	files        map[transferKey]openFile
	recvCallback func(*file.Transfer)
	closed       bool
}

// New creates a new Client with the given options. Nil options select
// NewOptions.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(options.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"listen_addr":  options.ListenAddr,
		"download_dir": options.DownloadDir,
		"chunk_size":   options.ChunkSize,
		"window_size":  options.WindowSize,
	}).Info("Creating file transfer client")

	c := &Client{
		options: options,
		book:    newAddressBook(),
		files:   make(map[transferKey]openFile),
	}

	c.transport = options.Transport
	if c.transport == nil {
		udp, err := transport.NewUDPTransport(options.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.transport = udp
		c.ownsTransport = true
	}

	c.tokens, err = store.Open(options.ResumeStorePath)
	if err != nil {
		c.closeTransport()
		return nil, err
	}

	observers := file.MultiObserver{checkpointer{c}}
	if options.Observer != nil {
		observers = append(observers, options.Observer)
	}
	c.manager = file.NewManager(c.transport, file.ManagerConfig{
		Observer:       observers,
		SampleInterval: options.SpeedSampleInterval,
		ChunkSize:      options.ChunkSize,
		WindowSize:     options.WindowSize,
		StallTimeout:   options.StallTimeout,
	})
	c.manager.SetAddressResolver(c.book)
	c.manager.OnFileRecv(c.handleFileRecv)

	return c, nil
}

// LocalAddr returns the address the transport is bound to.
func (c *Client) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// Manager returns the underlying transfer manager.
func (c *Client) Manager() *file.Manager {
	return c.manager
}

// AddFriend registers or updates the address of a friend.
func (c *Client) AddFriend(friendID uint32, addr net.Addr) {
	c.book.set(friendID, addr)
	logrus.WithFields(logrus.Fields{
		"function":  "AddFriend",
		"friend_id": friendID,
		"address":   addr.String(),
	}).Info("Friend address registered")
}

// RemoveFriend breaks the friend's transfers and forgets its address.
func (c *Client) RemoveFriend(friendID uint32) {
	c.manager.SetFriendConnected(friendID, false)
	c.book.remove(friendID)
}

// OnFileRecv sets the callback for incoming file offers. The transfer is
// Pending; call AcceptFile or Cancel on it. Without a callback offers stay
// Pending.
func (c *Client) OnFileRecv(callback func(t *file.Transfer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvCallback = callback
}

func (c *Client) handleFileRecv(t *file.Transfer) {
	c.mu.Lock()
	callback := c.recvCallback
	c.mu.Unlock()

	if callback != nil {
		callback(t)
	}
}

// SendFile offers the file at path to a friend. The file ID is derived from
// the content, so offering the same file again after a restart lets the
// friend resume a broken download.
func (c *Client) SendFile(friendID uint32, path string, kind file.Kind) (*file.Transfer, error) {
	cleanPath, err := file.ValidatePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	fileID, err := file.HashFileID(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind file: %w", err)
	}

	t, err := c.manager.SendFileWithID(friendID, f, fileID, filepath.Base(cleanPath), kind)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.track(t, cleanPath, f)
	return t, nil
}

// AcceptFile accepts an incoming offer into DownloadDir under the announced name.
func (c *Client) AcceptFile(t *file.Transfer) error {
	path, err := file.DestinationPath(c.options.DownloadDir, t.Name())
	if err != nil {
		return err
	}
	return c.AcceptFileAs(t, path)
}

// AcceptFileAs accepts an incoming offer into the file at path, truncating it.
// Only Pending incoming transfers can be accepted; the destination is not
// touched otherwise.
func (c *Client) AcceptFileAs(t *file.Transfer, path string) error {
	if t.Direction() != file.TransferDirectionIncoming {
		return fmt.Errorf("%w: only incoming transfers can be accepted", file.ErrInvalidTransition)
	}
	if state := t.State(); state != file.TransferStatePending {
		return fmt.Errorf("%w: cannot accept from %s", file.ErrInvalidTransition, state)
	}

	cleanPath, err := file.ValidatePath(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("truncate destination: %w", err)
	}
	previous, hadPrevious := c.swapTracked(t, openFile{path: cleanPath, f: f})

	if err := t.Accept(f); err != nil {
		c.restoreTracked(t, previous, hadPrevious)
		f.Close()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AcceptFile",
		"friend_id": t.FriendID(),
		"file_name": t.Name(),
		"path":      cleanPath,
	}).Info("Incoming file accepted")
	return nil
}

// SetFriendConnected applies a friend connectivity change. With AutoResume
// set, broken outgoing transfers to the friend are resumed when it comes
// back online.
func (c *Client) SetFriendConnected(friendID uint32, online bool) {
	c.manager.SetFriendConnected(friendID, online)
	if online && c.options.AutoResume {
		c.resumeOutgoing(friendID)
	}
}

// SetSelfConnected applies a change of our own connectivity.
func (c *Client) SetSelfConnected(online bool) {
	c.manager.SetSelfConnected(online)
	if online && c.options.AutoResume {
		for _, friendID := range c.book.friends() {
			c.resumeOutgoing(friendID)
		}
	}
}

func (c *Client) resumeOutgoing(friendID uint32) {
	broken := lo.Filter(c.manager.Registry(friendID).Transfers(), func(t *file.Transfer, _ int) bool {
		return t.Direction() == file.TransferDirectionOutgoing && t.State() == file.TransferStateBroken
	})
	for _, t := range broken {
		if err := t.Resume(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "resumeOutgoing",
				"friend_id": friendID,
				"file_name": t.Name(),
				"error":     err.Error(),
			}).Warn("Failed to resume broken transfer")
		}
	}
}

// Restore re-attaches every persisted broken transfer. Records whose file
// is gone are dropped. The restored transfers are Broken; outgoing ones are
// resumed by SetFriendConnected when AutoResume is set, incoming ones when the
// friend offers the file again.
func (c *Client) Restore() ([]*file.Transfer, error) {
	records, err := c.tokens.List()
	if err != nil {
		return nil, err
	}

	var restored []*file.Transfer
	var errs []error
	for _, rec := range records {
		t, err := c.restore(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Restore",
				"friend_id": rec.Token.FriendID,
				"path":      rec.Path,
				"error":     err.Error(),
			}).Warn("Failed to restore transfer")
			errs = append(errs, err)
			continue
		}
		restored = append(restored, t)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Restore",
		"restored": len(restored),
		"failed":   len(errs),
	}).Info("Resume records restored")
	return restored, errors.Join(errs...)
}

func (c *Client) restore(rec store.Record) (*file.Transfer, error) {
	token := rec.Token

	var f *os.File
	var err error
	if token.Direction == file.TransferDirectionOutgoing {
		f, err = os.Open(rec.Path)
	} else {
		f, err = os.OpenFile(rec.Path, os.O_RDWR, 0o644)
	}
	if errors.Is(err, os.ErrNotExist) {
		_ = c.tokens.Delete(token.FriendID, token.FileID)
		return nil, fmt.Errorf("restore %s: %w", rec.Path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", rec.Path, err)
	}

	if _, err := f.Seek(int64(token.Transferred), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("restore %s: %w", rec.Path, err)
	}

	t, err := c.manager.ResumeBrokenTransfer(token, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.track(t, rec.Path, f)
	return t, nil
}

// Transfers returns every live transfer.
func (c *Client) Transfers() []*file.Transfer {
	return c.manager.Transfers()
}

// Iterate runs one round of chunk scheduling.
func (c *Client) Iterate() {
	c.manager.Iterate()
}

// IterationInterval returns how often Iterate should be called.
func (c *Client) IterationInterval() time.Duration {
	return c.options.IterationInterval
}

// Run calls Iterate every IterationInterval until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.options.IterationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Iterate()
		}
	}
}

// Close breaks every active transfer so it is checkpointed, then releases
// files, the resume store and the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.manager.SetSelfConnected(false)

	c.mu.Lock()
	files := lo.Values(c.files)
	c.files = make(map[transferKey]openFile)
	c.mu.Unlock()
	for _, of := range files {
		of.f.Close()
	}

	err := c.closeTransport()
	if storeErr := c.tokens.Close(); storeErr != nil && err == nil {
		err = storeErr
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("File transfer client closed")
	return err
}

func (c *Client) closeTransport() error {
	if !c.ownsTransport {
		return nil
	}
	return c.transport.Close()
}

func (c *Client) track(t *file.Transfer, path string, f *os.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[keyOf(t)] = openFile{path: path, f: f}
}

// swapTracked tracks of for t and returns the entry it replaced.
func (c *Client) swapTracked(t *file.Transfer, of openFile) (openFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, ok := c.files[keyOf(t)]
	c.files[keyOf(t)] = of
	return previous, ok
}

// restoreTracked undoes swapTracked.
func (c *Client) restoreTracked(t *file.Transfer, previous openFile, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.files[keyOf(t)] = previous
		return
	}
	delete(c.files, keyOf(t))
}

func (c *Client) untrack(t *file.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, keyOf(t))
}

func (c *Client) pathOf(t *file.Transfer) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	of, ok := c.files[keyOf(t)]
	return of.path, ok
}

// checkpointer persists resume records as transfers break and drops them
// once transfers end.
type checkpointer struct {
	c *Client
}

func (p checkpointer) OnStateChanged(t *file.Transfer, from, to file.TransferState) {
	switch {
	case to == file.TransferStateBroken:
		path, ok := p.c.pathOf(t)
		if !ok {
			return
		}
		if err := p.c.tokens.Save(store.Record{Token: t.Snapshot(), Path: path}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "checkpoint",
				"friend_id": t.FriendID(),
				"file_name": t.Name(),
				"error":     err.Error(),
			}).Error("Failed to checkpoint broken transfer")
		}
	case to.IsTerminal():
		// The transfer closed the file itself.
		p.c.untrack(t)
		if err := p.c.tokens.Delete(t.FriendID(), t.FileID()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "checkpoint",
				"friend_id": t.FriendID(),
				"error":     err.Error(),
			}).Warn("Failed to delete resume record")
		}
	}
}

func (checkpointer) OnProgressChanged(*file.Transfer, float64) {}
func (checkpointer) OnSpeedChanged(*file.Transfer, uint64)     {}
func (checkpointer) OnError(*file.Transfer, error)             {}
