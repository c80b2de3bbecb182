package clients

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JSONStore is the file-backed client directory. The file holds
// {"clients": [record, ...]} and is reloaded lazily on lookup whenever its
// modification time advances.
//
// Lookup scans every record with a fixed-time byte comparison and keeps the
// last match. Short-circuiting on the first hit would let an attacker infer
// a key's position in the file from response timing.
type JSONStore struct {
	path string

	mu        sync.Mutex
	records   []Record
	lastMTime time.Time
}

// NewJSONStore creates a store for path and performs the initial load.
// A missing or unreadable file yields an empty directory, not an error:
// every key is then simply unknown.
func NewJSONStore(path string) *JSONStore {
	s := &JSONStore{path: path}
	s.mu.Lock()
	_ = s.reload()
	s.mu.Unlock()
	return s
}

// Lookup implements Store.
func (s *JSONStore) Lookup(_ context.Context, apiKey string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return nil, err
	}

	key := []byte(apiKey)
	var match *Record
	for i := range s.records {
		// Touch every record; see the type comment.
		if subtle.ConstantTimeCompare(key, []byte(s.records[i].APIKey)) == 1 {
			match = &s.records[i]
		}
	}

	if match == nil {
		return nil, nil
	}
	rec := *match
	return &rec, nil
}

// reload re-reads the file when its mtime has advanced. Caller holds s.mu.
func (s *JSONStore) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		s.records = nil
		s.lastMTime = time.Time{}
		return nil
	}

	mtime := info.ModTime()
	if mtime.Equal(s.lastMTime) && s.records != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.records = nil
		return fmt.Errorf("clients: read %s: %w", s.path, err)
	}

	var doc struct {
		Clients []Record `json:"clients"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		s.records = nil
		return fmt.Errorf("clients: parse %s: %w", s.path, err)
	}

	for i := range doc.Clients {
		doc.Clients[i].applyDefaults()
	}
	s.records = doc.Clients
	s.lastMTime = mtime
	return nil
}
