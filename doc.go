// Package toxfile implements resumable file transfers between Tox friends.
//
// The Client is the facade the owning application uses. It binds a UDP (or
// injected) transport, keeps the friend address book, drives the chunk
// scheduler, and checkpoints broken transfers to a BadgerDB resume store so
// they survive a restart.
//
// # Getting Started
//
//	options := toxfile.NewOptions()
//	options.DownloadDir = "/home/alice/Downloads"
//
//	client, err := toxfile.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.AddFriend(friendID, friendAddr)
//	client.OnFileRecv(func(t *file.Transfer) {
//	    if err := client.AcceptFile(t); err != nil {
//	        log.Println(err)
//	    }
//	})
//
//	transfer, err := client.SendFile(friendID, "/tmp/report.pdf", file.KindData)
//
//	go client.Run(ctx)
//
// # Configuration
//
// Options can be read from TOXFILE_* environment variables with
// OptionsFromEnviron, for example TOXFILE_LISTEN_ADDR, TOXFILE_CHUNK_SIZE,
// TOXFILE_RESUME_STORE_PATH and TOXFILE_DOWNLOAD_DIR.
//
// # Resumption
//
// When a friend goes offline (SetFriendConnected) or the client loses
// connectivity (SetSelfConnected), active transfers become Broken and a
// resume record is written. After a restart, Restore re-attaches every
// recorded transfer. With AutoResume, broken outgoing transfers announce
// themselves again as soon as their friend is back online, and the friend
// continues from the bytes it already has.
package toxfile
