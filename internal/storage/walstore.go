package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WALStore is the reference Store: in-memory for fast reads/writes,
// WAL-then-memory for durability, and full snapshots (taken only when
// Snapshot is called; nothing here schedules them) so recovery doesn't
// have to replay the log from the beginning of time. Directly
// adapted from the teacher's internal/store/store.go, generalized from
// a single map[string]Value to map[mapName]map[key][]byte.
type WALStore struct {
	mu      sync.RWMutex
	data    map[string]map[string][]byte
	wal     *wal
	dataDir string
}

// NewWALStore creates a WALStore rooted at dataDir. Call Initialize
// before use to load any existing snapshot/WAL.
func NewWALStore(dataDir string) *WALStore {
	return &WALStore{data: make(map[string]map[string][]byte), dataDir: dataDir}
}

// Initialize creates dataDir if needed, loads the latest snapshot, opens
// the WAL, and replays entries written after that snapshot.
func (s *WALStore) Initialize() error {
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return fmt.Errorf("storage: create data dir: %w", err)
	}

	if err := s.loadSnapshot(); err != nil {
		return fmt.Errorf("storage: load snapshot: %w", err)
	}

	w, err := openWAL(filepath.Join(s.dataDir, "wal.log"))
	if err != nil {
		return fmt.Errorf("storage: open wal: %w", err)
	}
	s.wal = w

	if err := s.replayWAL(); err != nil {
		return fmt.Errorf("storage: replay wal: %w", err)
	}
	return nil
}

func (s *WALStore) bucketLocked(mapName string) map[string][]byte {
	b, ok := s.data[mapName]
	if !ok {
		b = make(map[string][]byte)
		s.data[mapName] = b
	}
	return b
}

// Store persists value under (mapName, key), WAL-first.
func (s *WALStore) Store(mapName, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := walEntry{Op: opStore, MapName: mapName, Key: key, Value: value}
	if err := s.wal.append(entry); err != nil {
		return fmt.Errorf("storage: wal append: %w", err)
	}
	s.bucketLocked(mapName)[key] = value
	return nil
}

// Delete removes (mapName, key), WAL-first.
func (s *WALStore) Delete(mapName, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := walEntry{Op: opDelete, MapName: mapName, Key: key}
	if err := s.wal.append(entry); err != nil {
		return fmt.Errorf("storage: wal append: %w", err)
	}
	delete(s.bucketLocked(mapName), key)
	return nil
}

// DeleteAll drops every key in mapName, logging one DELETE entry per
// key to the WAL first.
func (s *WALStore) DeleteAll(mapName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.data[mapName]
	for key := range bucket {
		entry := walEntry{Op: opDelete, MapName: mapName, Key: key}
		if err := s.wal.append(entry); err != nil {
			return fmt.Errorf("storage: wal append: %w", err)
		}
	}
	delete(s.data, mapName)
	return nil
}

// LoadAllKeys returns every key currently stored for mapName.
func (s *WALStore) LoadAllKeys(mapName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.data[mapName]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys, nil
}

// LoadAll returns a copy of every (key, value) pair stored for mapName.
func (s *WALStore) LoadAll(mapName string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.data[mapName]
	out := make(map[string][]byte, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out, nil
}

// Snapshot writes the full in-memory state to disk via atomic rename,
// then truncates the WAL since it is now fully captured.
func (s *WALStore) Snapshot() error {
	s.mu.RLock()
	snapshot := make(map[string]map[string][]byte, len(s.data))
	for mapName, bucket := range s.data {
		copied := make(map[string][]byte, len(bucket))
		for k, v := range bucket {
			copied[k] = v
		}
		snapshot[mapName] = copied
	}
	s.mu.RUnlock()

	path := filepath.Join(s.dataDir, "snapshot.json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snapshot); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return s.wal.truncate()
}

func (s *WALStore) loadSnapshot() error {
	path := filepath.Join(s.dataDir, "snapshot.json")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snapshot map[string]map[string][]byte
	if err := json.NewDecoder(f).Decode(&snapshot); err != nil {
		return err
	}
	s.data = snapshot
	return nil
}

func (s *WALStore) replayWAL() error {
	entries, err := s.wal.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		bucket := s.bucketLocked(e.MapName)
		switch e.Op {
		case opStore:
			bucket[e.Key] = e.Value
		case opDelete:
			delete(bucket, e.Key)
		}
	}
	return nil
}

// Close closes the WAL file.
func (s *WALStore) Close() error {
	return s.wal.close()
}
