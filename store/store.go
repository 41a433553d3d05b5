// Package store persists resume tokens of broken file transfers in BadgerDB
// so they can be restored after a restart.
//
// Example:
//
//	tokens, err := store.Open("/var/lib/toxfile/resume")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tokens.Close()
//
//	err = tokens.Save(store.Record{Token: t.Snapshot(), Path: "/downloads/report.pdf"})
package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/toxfile/file"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Load when no record exists.
var ErrNotFound = errors.New("resume record not found")

// keyPrefix namespaces resume records in the database.
const keyPrefix = "resume:"

// Record is a persisted resume token together with the local file that backs
// the transfer.
type Record struct {
	Token file.ResumeToken
	// Path is the local file the stream is reopened from.
	Path string
}

// TokenStore is a BadgerDB-backed set of resume records keyed by friend and
// file ID.
type TokenStore struct {
	db    *badger.DB
	owned bool
}

// Open opens the database at path. An empty path selects an in-memory
// database.
func Open(path string) (*TokenStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(logrus.WithField("component", "badger"))
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Open",
		"path":      path,
		"in_memory": path == "",
	}).Info("Resume store opened")

	return &TokenStore{db: db, owned: true}, nil
}

// New wraps an already open database. Close does not close it.
func New(db *badger.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Save stores rec, replacing any record for the same transfer.
func (s *TokenStore) Save(rec Record) error {
	value, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Token.FriendID, rec.Token.FileID), value)
	})
	if err != nil {
		return fmt.Errorf("save resume record: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Save",
		"friend_id":   rec.Token.FriendID,
		"file_id":     rec.Token.FileID.String()[:16],
		"transferred": rec.Token.Transferred,
	}).Debug("Resume record saved")
	return nil
}

// Load returns the record for a transfer.
func (s *TokenStore) Load(friendID uint32, fileID file.FileID) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(friendID, fileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			rec, err = decodeRecord(v)
			return err
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes the record for a transfer. Deleting a missing record is not an error.
func (s *TokenStore) Delete(friendID uint32, fileID file.FileID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(friendID, fileID))
	})
}

// List returns every record, ordered by friend and file ID.
func (s *TokenStore) List() ([]Record, error) {
	return s.scan([]byte(keyPrefix))
}

// ListFriend returns the records of one friend.
func (s *TokenStore) ListFriend(friendID uint32) ([]Record, error) {
	return s.scan(friendPrefix(friendID))
}

func (s *TokenStore) scan(prefix []byte) ([]Record, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "scan",
						"key":      string(it.Item().Key()),
						"error":    err.Error(),
					}).Warn("Skipping corrupt resume record")
					return nil
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list resume records: %w", err)
	}
	return records, nil
}

// Close closes the database if the store opened it.
func (s *TokenStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func friendPrefix(friendID uint32) []byte {
	return []byte(fmt.Sprintf("%s%08x:", keyPrefix, friendID))
}

func recordKey(friendID uint32, fileID file.FileID) []byte {
	return append(friendPrefix(friendID), fileID.String()...)
}

// encodeRecord lays out a record as [path_len (2 bytes)][path][token].
func encodeRecord(rec Record) ([]byte, error) {
	if len(rec.Path) > 0xFFFF {
		return nil, fmt.Errorf("resume record path too long: %d bytes", len(rec.Path))
	}
	token, err := rec.Token.MarshalBinary()
	if err != nil {
		return nil, err
	}

	data := make([]byte, 2+len(rec.Path)+len(token))
	binary.BigEndian.PutUint16(data[0:2], uint16(len(rec.Path)))
	copy(data[2:], rec.Path)
	copy(data[2+len(rec.Path):], token)
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	if len(data) < 2 {
		return Record{}, errors.New("resume record too short")
	}
	pathLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+pathLen {
		return Record{}, errors.New("resume record truncated")
	}

	var rec Record
	rec.Path = string(data[2 : 2+pathLen])
	if err := rec.Token.UnmarshalBinary(data[2+pathLen:]); err != nil {
		return Record{}, err
	}
	return rec, nil
}
