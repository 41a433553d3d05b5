package store

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/toxfile/file"
	"github.com/stretchr/testify/require"
)

// setupTestStore opens an in-memory store for testing.
func setupTestStore(t *testing.T) *TokenStore {
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(friendID uint32, idByte byte, transferred uint64) Record {
	return Record{
		Token: file.ResumeToken{
			FriendID:    friendID,
			Number:      1,
			FileID:      file.FileID{idByte},
			Name:        "report.pdf",
			Kind:        file.KindData,
			Direction:   file.TransferDirectionIncoming,
			Size:        100,
			Transferred: transferred,
		},
		Path: "/downloads/report.pdf",
	}
}

func TestTokenStore_SaveLoadDelete(t *testing.T) {
	req := require.New(t)
	s := setupTestStore(t)

	rec := testRecord(7, 1, 40)
	req.NoError(s.Save(rec))

	got, err := s.Load(7, rec.Token.FileID)
	req.NoError(err)
	req.Equal(rec, got)

	// Saving again replaces the record.
	rec.Token.Transferred = 60
	req.NoError(s.Save(rec))
	got, err = s.Load(7, rec.Token.FileID)
	req.NoError(err)
	req.Equal(uint64(60), got.Token.Transferred)

	req.NoError(s.Delete(7, rec.Token.FileID))
	_, err = s.Load(7, rec.Token.FileID)
	req.ErrorIs(err, ErrNotFound)

	req.NoError(s.Delete(7, rec.Token.FileID))
}

func TestTokenStore_List(t *testing.T) {
	req := require.New(t)
	s := setupTestStore(t)

	req.NoError(s.Save(testRecord(2, 1, 10)))
	req.NoError(s.Save(testRecord(1, 2, 20)))
	req.NoError(s.Save(testRecord(1, 1, 30)))

	all, err := s.List()
	req.NoError(err)
	req.Len(all, 3)
	req.Equal(uint32(1), all[0].Token.FriendID)
	req.Equal(file.FileID{1}, all[0].Token.FileID)
	req.Equal(uint32(2), all[2].Token.FriendID)

	friend1, err := s.ListFriend(1)
	req.NoError(err)
	req.Len(friend1, 2)

	none, err := s.ListFriend(99)
	req.NoError(err)
	req.Empty(none)
}

func TestTokenStore_RejectsInvalidToken(t *testing.T) {
	s := setupTestStore(t)

	rec := testRecord(1, 1, 0)
	rec.Token.Name = ""
	require.Error(t, s.Save(rec))
}

func TestTokenStore_SkipsCorruptRecords(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	req.NoError(err)
	defer db.Close()

	s := New(db)
	req.NoError(s.Save(testRecord(1, 1, 5)))
	req.NoError(db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(1, file.FileID{2}), []byte{0, 1})
	}))

	records, err := s.List()
	req.NoError(err)
	req.Len(records, 1)

	_, err = s.Load(1, file.FileID{2})
	req.Error(err)

	// The store does not own db.
	req.NoError(s.Close())
	req.False(db.IsClosed())
}
