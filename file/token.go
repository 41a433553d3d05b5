package file

import (
	"encoding/binary"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/opd-ai/toxfile/limits"
)

// resumeTokenVersion is the first byte of every encoded token.
const resumeTokenVersion = 1

// resumeTokenHeaderSize is the fixed part of the encoding:
// version(1) friend(4) number(4) file_id(32) kind(4) direction(1) size(8) transferred(8) name_len(2).
const resumeTokenHeaderSize = 1 + 4 + 4 + FileIDLength + 4 + 1 + 8 + 8 + 2

var validate = validator.New()

// ResumeToken is an immutable snapshot of a transfer's identity and
// progress. It carries no stream: the caller supplies one, already seeked to
// Transferred, when turning the token back into a live transfer.
type ResumeToken struct {
	FriendID    uint32
	Number      uint32
	FileID      FileID
	Name        string            `validate:"required,max=255"`
	Kind        Kind
	Direction   TransferDirection `validate:"lte=1"`
	Size        uint64
	Transferred uint64 `validate:"ltefield=Size"`
}

// Snapshot captures the transfer's identity and progress. It is valid from
// any state, though it is usually taken while Broken.
func (t *Transfer) Snapshot() ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ResumeToken{
		FriendID:    t.friendID,
		Number:      t.id.Number,
		FileID:      t.id.FileID,
		Name:        t.name,
		Kind:        t.kind,
		Direction:   t.direction,
		Size:        t.size,
		Transferred: t.transferred,
	}
}

// Validate checks the token's invariants.
func (r ResumeToken) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if r.FileID.IsZero() {
		return fmt.Errorf("%w: zero file id", ErrInvalidToken)
	}
	return nil
}

// MarshalBinary encodes the token in a stable big-endian layout.
func (r ResumeToken) MarshalBinary() ([]byte, error) {
	if err := limits.ValidateFileName(r.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	data := make([]byte, resumeTokenHeaderSize+len(r.Name))
	offset := 0
	data[offset] = resumeTokenVersion
	offset++
	binary.BigEndian.PutUint32(data[offset:], r.FriendID)
	offset += 4
	binary.BigEndian.PutUint32(data[offset:], r.Number)
	offset += 4
	copy(data[offset:], r.FileID[:])
	offset += FileIDLength
	binary.BigEndian.PutUint32(data[offset:], uint32(r.Kind))
	offset += 4
	data[offset] = byte(r.Direction)
	offset++
	binary.BigEndian.PutUint64(data[offset:], r.Size)
	offset += 8
	binary.BigEndian.PutUint64(data[offset:], r.Transferred)
	offset += 8
	binary.BigEndian.PutUint16(data[offset:], uint16(len(r.Name)))
	offset += 2
	copy(data[offset:], r.Name)

	return data, nil
}

// UnmarshalBinary decodes a token produced by MarshalBinary and validates it.
func (r *ResumeToken) UnmarshalBinary(data []byte) error {
	if len(data) < resumeTokenHeaderSize {
		return fmt.Errorf("%w: token too short", ErrInvalidToken)
	}
	if data[0] != resumeTokenVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidToken, data[0])
	}

	var tok ResumeToken
	offset := 1
	tok.FriendID = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	tok.Number = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	copy(tok.FileID[:], data[offset:offset+FileIDLength])
	offset += FileIDLength
	tok.Kind = Kind(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	tok.Direction = TransferDirection(data[offset])
	offset++
	tok.Size = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	tok.Transferred = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	nameLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) != offset+nameLen {
		return fmt.Errorf("%w: name length %d does not match payload", ErrInvalidToken, nameLen)
	}
	tok.Name = string(data[offset:])

	if err := tok.Validate(); err != nil {
		return err
	}
	*r = tok
	return nil
}

