// Package store persists the device's event cache as a single CBOR file.
package store

import (
	"errors"
	"io/fs"
	"os"

	"wristcal/internal/fsutil"
	"wristcal/internal/model"
)

// Store is durable storage for the last known CacheRecord.
type Store interface {
	// Load returns the persisted record. A missing file yields an error
	// wrapping fs.ErrNotExist.
	Load() (model.CacheRecord, error)
	// Save replaces the persisted record.
	Save(rec model.CacheRecord) error
	// Delete removes the persisted record. Deleting a missing record is not
	// an error.
	Delete() error
}

// FileStore keeps the record in one file, written atomically.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a Store backed by path, e.g.
// "/var/lib/wristcal/cache.cbor".
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (model.CacheRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return model.CacheRecord{}, err
	}
	return DecodeRecord(data)
}

func (s *FileStore) Save(rec model.CacheRecord) error {
	// Tokens only matter in flight.
	rec.Token = 0
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.path, data, 0o600)
}

func (s *FileStore) Delete() error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadRecordFile decodes a batch file delivered by the file transfer.
func ReadRecordFile(path string) (model.CacheRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CacheRecord{}, err
	}
	return DecodeRecord(data)
}

// ReadFailureFile decodes an error file delivered by the file transfer.
func ReadFailureFile(path string) (model.FetchFailure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.FetchFailure{}, err
	}
	return DecodeFailure(data)
}
