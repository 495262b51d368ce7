// Package tokenstore persists the play-token to account-id mapping the
// login path consults. A token seen for the first time gets a fresh
// account created for it, so the store must survive restarts.
package tokenstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nutsdb/nutsdb"
)

const bucket = "play_tokens"

// Store is a nutsdb-backed token database.
type Store struct {
	db *nutsdb.DB
}

// Open opens (creating if needed) the token database at dir.
func Open(dir string) (*Store, error) {
	db, err := nutsdb.Open(nutsdb.DefaultOptions, nutsdb.WithDir(dir))
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// AccountID looks up the account bound to token. The second return is
// false when the token has never been seen.
func (s *Store) AccountID(token string) (uint32, bool, error) {
	var value []byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entry, err := tx.Get(bucket, []byte(token))
		if err != nil {
			return err
		}
		value = append([]byte(nil), entry.Value...)
		return nil
	})
	if err != nil {
		// Bucket or key absence both mean an unknown token.
		return 0, false, nil
	}
	if len(value) != 4 {
		return 0, false, errors.New("tokenstore: corrupt account record")
	}
	return binary.LittleEndian.Uint32(value), true, nil
}

// SetAccountID binds token to accountID.
func (s *Store) SetAccountID(token string, accountID uint32) error {
	var value [4]byte
	binary.LittleEndian.PutUint32(value[:], accountID)
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(token), value[:], nutsdb.Persistent)
	})
	if err != nil {
		return fmt.Errorf("tokenstore: put %q: %w", token, err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
