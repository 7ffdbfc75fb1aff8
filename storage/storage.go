// Package storage is the working store of a tally run, backed by a
// prefixed key-value database. It queues plaintext ballots toward the
// encryption workers and holds the encrypted corpus between the map and
// reduce stages, so the coordinator never materializes every ciphertext in
// memory at once. The following prefixes are used:
//   - 'pb/' for plaintext ballots (queued toward encryption)
//   - 'cb/' for ciphertext ballots (streamed by the reducer in id order)
//   - 'ek/' for the encryption key record
package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/votingworks/arlo-e2e/election"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/prefixeddb"
)

var (
	plaintextPrefix  = []byte("pb/")
	ciphertextPrefix = []byte("cb/")
	keyPrefix        = []byte("ek/")

	ErrKeyAlreadyExists = fmt.Errorf("key already exists")
	ErrNotFound         = fmt.Errorf("key not found")
	ErrNoMoreElements   = fmt.Errorf("no more elements")
)

// encryptionKeyRecord is the single key artifact stored under 'ek/'.
var encryptionKeyRecord = []byte("public")

// Storage wraps the database with the queue discipline of the pipeline.
type Storage struct {
	db        db.Database
	queueLock sync.Mutex
}

// New creates a new Storage instance over the given database.
func New(database db.Database) *Storage {
	return &Storage{db: database}
}

// Close closes the underlying database.
func (s *Storage) Close() {
	s.db.Close()
}

func encodeArtifact(a any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("could not encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeArtifact(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("could not decode artifact: %w", err)
	}
	return nil
}

func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := encodeArtifact(artifact)
	if err != nil {
		return err
	}
	if _, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key); err == nil {
		return ErrKeyAlreadyExists
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}

// PushPlaintextBallot queues a ballot for encryption, keyed by ballot id.
func (s *Storage) PushPlaintextBallot(b *election.PlaintextBallot) error {
	return s.setArtifact(plaintextPrefix, []byte(b.BallotID), b)
}

// NextPlaintextBallot pops the next queued plaintext ballot. It returns
// ErrNoMoreElements when the queue is drained. Safe for concurrent
// workers: pop-and-delete happens under the queue lock.
func (s *Storage) NextPlaintextBallot() (*election.PlaintextBallot, error) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()

	var key, data []byte
	prefixeddb.NewPrefixedReader(s.db, plaintextPrefix).Iterate(nil, func(k, v []byte) bool {
		key = append([]byte{}, k...)
		data = append([]byte{}, v...)
		return false
	})
	if data == nil {
		return nil, ErrNoMoreElements
	}
	var b election.PlaintextBallot
	if err := decodeArtifact(data, &b); err != nil {
		return nil, err
	}
	if err := s.deleteArtifact(plaintextPrefix, key); err != nil {
		return nil, err
	}
	return &b, nil
}

// SetCiphertextBallot stores an encrypted ballot, keyed by ballot id.
// Re-encrypting the same id is a coordination bug, not a legal overwrite.
func (s *Storage) SetCiphertextBallot(cb *election.CiphertextBallot) error {
	return s.setArtifact(ciphertextPrefix, []byte(cb.BallotID), cb)
}

// UpdateCiphertextBallot overwrites a stored encrypted ballot, which is
// only legal for the serial chain-hash pass stamping the tracking fields.
func (s *Storage) UpdateCiphertextBallot(cb *election.CiphertextBallot) error {
	if err := s.deleteArtifact(ciphertextPrefix, []byte(cb.BallotID)); err != nil {
		return err
	}
	return s.setArtifact(ciphertextPrefix, []byte(cb.BallotID), cb)
}

// CiphertextBallot retrieves one encrypted ballot by id.
func (s *Storage) CiphertextBallot(ballotID string) (*election.CiphertextBallot, error) {
	data, err := prefixeddb.NewPrefixedReader(s.db, ciphertextPrefix).Get([]byte(ballotID))
	if err != nil {
		return nil, ErrNotFound
	}
	var cb election.CiphertextBallot
	if err := decodeArtifact(data, &cb); err != nil {
		return nil, err
	}
	return &cb, nil
}

// CountCiphertextBallots returns the number of stored encrypted ballots.
func (s *Storage) CountCiphertextBallots() int {
	count := 0
	prefixeddb.NewPrefixedReader(s.db, ciphertextPrefix).Iterate(nil, func(_, _ []byte) bool {
		count++
		return true
	})
	return count
}

// IterateCiphertextBallots streams the encrypted corpus in ascending
// ballot-id order (the database iterates keys sorted). The callback
// returns false to stop early.
func (s *Storage) IterateCiphertextBallots(fn func(*election.CiphertextBallot) bool) error {
	var decodeErr error
	prefixeddb.NewPrefixedReader(s.db, ciphertextPrefix).Iterate(nil, func(k, v []byte) bool {
		var cb election.CiphertextBallot
		if err := decodeArtifact(v, &cb); err != nil {
			decodeErr = fmt.Errorf("ballot %s: %w", string(k), err)
			return false
		}
		return fn(&cb)
	})
	return decodeErr
}

// SetEncryptionKey records the public key used by this run.
func (s *Storage) SetEncryptionKey(publicKey *election.Context) error {
	if err := s.deleteArtifact(keyPrefix, encryptionKeyRecord); err != nil {
		return err
	}
	return s.setArtifact(keyPrefix, encryptionKeyRecord, publicKey)
}

// EncryptionKey retrieves the recorded public key context.
func (s *Storage) EncryptionKey() (*election.Context, error) {
	data, err := prefixeddb.NewPrefixedReader(s.db, keyPrefix).Get(encryptionKeyRecord)
	if err != nil {
		return nil, ErrNotFound
	}
	var ctx election.Context
	if err := decodeArtifact(data, &ctx); err != nil {
		return nil, err
	}
	return &ctx, nil
}
