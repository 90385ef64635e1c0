package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// cachedRecord mirrors the entries didery keeps in its local cache.
type cachedRecord struct {
	Kind        string          `json:"kind"`
	DID         string          `json:"did"`
	Fingerprint string          `json:"fingerprint"`
	Data        json.RawMessage `json:"data"`
	Votes       int             `json:"votes"`
	Total       int             `json:"total"`
	RetrievedAt time.Time       `json:"retrieved_at"`
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <didery.db path> <kind>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts the first cached record of the given kind (history, otp, events)\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	kind := os.Args[2]

	fmt.Printf("Opening BoltDB: %s\n", dbPath)
	fmt.Printf("Target kind: %s\n", kind)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	bucketName := []byte("records")

	var targetKey []byte
	var target cachedRecord

	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		prefix := []byte(kind + ":")
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cursor.Next() {
			var entry cachedRecord
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}

			targetKey = make([]byte, len(k))
			copy(targetKey, k)
			target = entry
			fmt.Printf("Found cached %s record for %s\n", kind, entry.DID)
			fmt.Printf("  Fingerprint: %s\n", abbreviate(entry.Fingerprint))
			break
		}

		if len(targetKey) == 0 {
			return fmt.Errorf("no cached records of kind: %s", kind)
		}

		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Swap one base64 character inside the signatures so the record no
	// longer verifies while still parsing.
	corrupted, ok := corrupt(target.Data)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: no signature found in cached data\n")
		os.Exit(1)
	}
	target.Data = corrupted

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", bucketName)
		}

		value, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("failed to marshal corrupted record: %w", err)
		}

		if err := bucket.Put(targetKey, value); err != nil {
			return fmt.Errorf("failed to save corrupted record: %w", err)
		}

		fmt.Println("✓ Successfully corrupted cached record")
		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Cache tampering completed, run `didery status` to detect it")
}

var signerSig = regexp.MustCompile(`"signer"\s*:\s*"`)

func corrupt(data []byte) ([]byte, bool) {
	s := string(data)
	loc := signerSig.FindStringIndex(s)
	if loc == nil {
		return nil, false
	}
	i := loc[1]
	if i >= len(s) || s[i] == '"' {
		return nil, false
	}

	c := byte('A')
	if s[i] == 'A' {
		c = 'B'
	}
	return []byte(s[:i] + string(c) + s[i+1:]), true
}

func abbreviate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
