package file

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// FileIDLength is the size of the opaque transfer tag in bytes.
const FileIDLength = 32

// FileID is the opaque tag that identifies a transfer on both peers. It is
// stable across reconnects and is what lets a resumed transfer be matched to
// the transfer it continues.
type FileID [FileIDLength]byte

// String returns the hex encoding of the file ID.
func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}

// short returns the first 8 bytes in hex, for log fields.
func (id FileID) short() string {
	return hex.EncodeToString(id[:8])
}

// IsZero reports whether the file ID is all zeroes.
func (id FileID) IsZero() bool {
	return id == FileID{}
}

// NewFileID returns a random file ID.
func NewFileID() (FileID, error) {
	var id FileID
	if _, err := rand.Read(id[:]); err != nil {
		return FileID{}, fmt.Errorf("generate file id: %w", err)
	}
	return id, nil
}

// HashFileID derives a file ID from the content of r using BLAKE2b-256.
// Sending the same file again after a restart then carries the same tag,
// which lets the receiver resume its broken transfer.
func HashFileID(r io.Reader) (FileID, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return FileID{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return FileID{}, fmt.Errorf("hash file content: %w", err)
	}
	var id FileID
	copy(id[:], h.Sum(nil))
	return id, nil
}

// TransferID identifies a transfer: a local sequence number assigned by the
// owning registry and the file ID shared with the peer.
type TransferID struct {
	Number uint32
	FileID FileID
}

func (id TransferID) String() string {
	return fmt.Sprintf("%d/%s", id.Number, id.FileID.short())
}
