// Package nvs is the non-volatile key-value store the device keeps its small
// persistent state in. It is backed by BadgerDB.
package nvs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// FormatVersion is bumped whenever the key layout changes. A store written
// with another version has to be erased before use.
const FormatVersion = 2

var (
	ErrNoFreePages     = errors.New("nvs: no free pages")
	ErrNewVersionFound = errors.New("nvs: store written by a different format version")
	ErrNotInitialized  = errors.New("nvs: not initialized")
	ErrNoRecord        = errors.New("nvs: no download record")
)

const (
	keyVersion    = "sys:version"
	keyLastRecord = "download:last"
)

// Storage is the bring-up contract of the subsystem.
type Storage interface {
	Init() error
	Erase() error
}

// Store wraps BadgerDB. Capacity bounds the logical bytes (keys plus values)
// the store may hold; 0 disables the check.
type Store struct {
	mu       sync.Mutex
	path     string
	capacity int64
	db       *badger.DB
}

func New(path string, capacity int64) *Store {
	return &Store{path: path, capacity: capacity}
}

// Init opens the store. Calling it on an open store is a no-op.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := badger.Open(badger.DefaultOptions(s.path).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	if err := checkVersion(db); err != nil {
		db.Close()
		return err
	}
	if s.capacity > 0 {
		used, err := usedBytes(db)
		if err != nil {
			db.Close()
			return err
		}
		if used > s.capacity {
			db.Close()
			return fmt.Errorf("%w: %d bytes used, capacity %d", ErrNoFreePages, used, s.capacity)
		}
	}

	s.db = db
	return nil
}

// Erase closes the store if needed and removes everything it holds.
func (s *Store) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close BadgerDB: %w", err)
		}
		s.db = nil
	}
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("failed to erase nvs: %w", err)
	}
	return nil
}

// Close closes the BadgerDB.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Bringup initializes s. A store that is full or was written by another
// format version is erased and initialized once more. Any remaining error
// is for the caller to treat as fatal.
func Bringup(s Storage) error {
	err := s.Init()
	if errors.Is(err, ErrNoFreePages) || errors.Is(err, ErrNewVersionFound) {
		if eraseErr := s.Erase(); eraseErr != nil {
			return eraseErr
		}
		err = s.Init()
	}
	return err
}

// Record is what the store remembers about the last download.
type Record struct {
	RunID       string `json:"run_id"`
	URL         string `json:"url"`
	Partition   string `json:"partition"`
	Bytes       int64  `json:"bytes"`
	Writes      int    `json:"writes"`
	WriteErrors int    `json:"write_errors"`
	Digest      string `json:"digest"`
	State       string `json:"state"`
	FinishedAt  int64  `json:"finished_at"` // Unix timestamp
}

// NewRecord stamps a record with the current time.
func NewRecord(runID, url, partition string) Record {
	return Record{
		RunID:      runID,
		URL:        url,
		Partition:  partition,
		FinishedAt: time.Now().Unix(),
	}
}

// PutRecord replaces the last download record.
func (s *Store) PutRecord(r Record) error {
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyLastRecord), val)
	})
}

// LastRecord returns the last download record.
func (s *Store) LastRecord() (Record, error) {
	var r Record
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastRecord))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoRecord
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return r, err
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.Update(fn)
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.View(fn)
}

// checkVersion stamps a fresh store and rejects one written by another
// format version.
func checkVersion(db *badger.DB) error {
	var stored string
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyVersion))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		stored = string(val)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(keyVersion), []byte(strconv.Itoa(FormatVersion)))
		})
	case err != nil:
		return fmt.Errorf("failed to read nvs version: %w", err)
	}
	if stored != strconv.Itoa(FormatVersion) {
		return fmt.Errorf("%w: have %s, want %d", ErrNewVersionFound, stored, FormatVersion)
	}
	return nil
}

func usedBytes(db *badger.DB) (int64, error) {
	var used int64
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			used += int64(len(item.Key())) + item.ValueSize()
		}
		return nil
	})
	return used, err
}
