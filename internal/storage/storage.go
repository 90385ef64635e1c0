package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	RecordsBucket  = []byte("records")
	MetadataBucket = []byte("metadata")
)

// Metadata keys written by the CLI.
const (
	LastSyncKey = "last_sync"
	ServersKey  = "servers"
)

type Storage struct {
	db *bolt.DB
}

// Entry is the last record a quorum agreed on for one DID and resource kind.
type Entry struct {
	Kind        string          `json:"kind"`
	DID         string          `json:"did"`
	Fingerprint string          `json:"fingerprint"`
	Data        json.RawMessage `json:"data"`
	Votes       int             `json:"votes"`
	Total       int             `json:"total"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

func (e *Entry) key() []byte {
	return recordKey(e.Kind, e.DID)
}

func recordKey(kind, did string) []byte {
	return []byte(kind + ":" + did)
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{RecordsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveRecord(entry *Entry) error {
	if entry.Kind == "" || entry.DID == "" {
		return fmt.Errorf("record entry requires kind and did")
	}
	if strings.Contains(entry.Kind, ":") {
		return fmt.Errorf("invalid record kind: %s", entry.Kind)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(RecordsBucket)

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal record entry: %w", err)
		}

		return bucket.Put(entry.key(), data)
	})
}

func (s *Storage) GetRecord(kind, did string) (*Entry, error) {
	var entry Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(RecordsBucket)

		data := bucket.Get(recordKey(kind, did))
		if data == nil {
			return fmt.Errorf("record not found: %s %s", kind, did)
		}

		return json.Unmarshal(data, &entry)
	})

	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func (s *Storage) DeleteRecord(kind, did string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(RecordsBucket).Delete(recordKey(kind, did))
	})
}

// ListRecords returns the cached entries of one kind in key order. An empty
// kind lists every entry.
func (s *Storage) ListRecords(kind string) ([]*Entry, error) {
	var entries []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(RecordsBucket).Cursor()

		var prefix []byte
		if kind != "" {
			prefix = []byte(kind + ":")
		}

		for k, v := cursor.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
