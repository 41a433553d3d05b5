// Package file implements resumable, flow-controlled file transfers
// between Tox friends.
//
// # Overview
//
// The file package provides three layers:
//
//   - Transfer: one file transfer state machine. It turns chunk requests
//     (outgoing) and chunk deliveries (incoming) into stream I/O and
//     supports pause, resume, cancel and recovery from lost connectivity.
//   - Registry: the live transfers with one friend, keyed by FileID.
//   - Manager: binds registries to a transport.Transport, decodes file
//     packets and schedules chunk requests for outgoing transfers.
//
// # Transfer States
//
// Transfers progress through defined states:
//
//	Pending --accept--> InProgress --pause--> PausedByUser / PausedByFriend
//	InProgress --lost connectivity--> Broken --resume--> InProgress
//	InProgress --EOF--> Finished
//	any non-terminal --cancel or fatal error--> Canceled
//
// Finished and Canceled are terminal. Illegal local operations fail with
// ErrInvalidTransition; events arriving in the wrong state are ignored with
// ErrTransferNotActive.
//
// # Sending and Receiving
//
//	manager := file.NewManager(udp, file.ManagerConfig{Observer: obs})
//	manager.SetAddressResolver(book)
//
//	// Sender side
//	t, err := manager.SendFile(friendID, f, "photo.jpg", file.KindData)
//
//	// Receiver side
//	manager.OnFileRecv(func(t *file.Transfer) {
//	    path, err := file.DestinationPath(downloads, t.Name())
//	    ...
//	    t.Accept(out)
//	})
//
//	// Drive the chunk scheduler
//	for range ticker.C {
//	    manager.Iterate()
//	}
//
// Iterate keeps at most WindowSize unacknowledged bytes in flight. When no
// acknowledgement arrives for StallTimeout the window is sent again from the
// last acknowledged byte.
//
// # Resumption
//
// When connectivity is lost, active transfers become Broken and keep their
// byte count. A ResumeToken captures a transfer's identity and progress:
//
//	token := t.Snapshot()
//	data, _ := token.MarshalBinary()
//
//	// later, possibly after a restart
//	var token file.ResumeToken
//	_ = token.UnmarshalBinary(data)
//	f.Seek(int64(token.Transferred), io.SeekStart)
//	t, err := manager.ResumeBrokenTransfer(token, f)
//
// A broken outgoing transfer announces itself again on Resume with the same
// FileID. The receiver matches the announcement to its broken incoming
// transfer and asks the sender to continue from its committed offset. The
// announcement must repeat the original size and kind, otherwise it fails
// with ErrResumeMismatch.
//
// # Events
//
// Observers receive state, progress, speed and error events. Callbacks run
// synchronously after the transfer's lock is released, so they may call back
// into the transfer.
//
// # Security
//
// Announced file names are peer-controlled. DestinationPath rejects names
// containing separators or traversal before they reach the file system.
package file
