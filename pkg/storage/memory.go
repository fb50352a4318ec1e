package storage

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process RecordStore, used in tests and dry runs
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Get(namespace string, v any) (bool, error) {
	s.mu.RLock()
	data, ok := s.records[namespace]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, decode(namespace, data, v)
}

func (s *MemoryStore) Set(namespace string, partial any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := merge(s.records[namespace], partial)
	if err != nil {
		return err
	}
	s.records[namespace] = data
	return nil
}

func (s *MemoryStore) Put(namespace string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.records[namespace] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(namespace string) error {
	s.mu.Lock()
	delete(s.records, namespace)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var namespaces []string
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			namespaces = append(namespaces, k)
		}
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
