package link

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Counter names one of the three independent failure budgets.
type Counter string

const (
	CounterActivationFailures Counter = "activation_failures"
	CounterLostConnections    Counter = "lost_connections"
	CounterRejections         Counter = "rejections"
)

// retryCeiling is the saturating limit per counter. When any counter reaches
// it, automatic reconnection halts until a fresh successful activation
// resets all three.
const retryCeiling = 10

// CounterStore persists the three failure counters across restarts.
// Implementations must tolerate concurrent callers.
type CounterStore interface {
	Get(c Counter) (int, error)
	Set(c Counter, v int) error
	Reset() error
}

// MemoryCounterStore is a process-local CounterStore for tests and for
// platforms without stable storage.
type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[Counter]int
}

// NewMemoryCounterStore returns an empty in-memory store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: make(map[Counter]int)}
}

func (s *MemoryCounterStore) Get(c Counter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[c], nil
}

func (s *MemoryCounterStore) Set(c Counter, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[c] = v
	return nil
}

func (s *MemoryCounterStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[Counter]int)
	return nil
}

// FileCounterStore persists the counters as a small JSON file, surviving
// process restarts.
type FileCounterStore struct {
	mu   sync.Mutex
	path string
}

// NewFileCounterStore uses the given path for storage. The file is created
// on first write.
func NewFileCounterStore(path string) *FileCounterStore {
	return &FileCounterStore{path: path}
}

func (s *FileCounterStore) Get(c Counter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, err := s.load()
	if err != nil {
		return 0, err
	}
	return counts[c], nil
}

func (s *FileCounterStore) Set(c Counter, v int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, err := s.load()
	if err != nil {
		return err
	}
	counts[c] = v
	return s.save(counts)
}

func (s *FileCounterStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reset counters: %w", err)
	}
	return nil
}

func (s *FileCounterStore) load() (map[Counter]int, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[Counter]int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	counts := make(map[Counter]int)
	if err := json.Unmarshal(data, &counts); err != nil {
		// A corrupt counter file should never wedge sync; start over.
		return make(map[Counter]int), nil
	}
	return counts, nil
}

func (s *FileCounterStore) save(counts map[Counter]int) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write counters: %w", err)
	}
	return nil
}
