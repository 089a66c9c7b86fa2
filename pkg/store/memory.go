package store

import (
	"sort"
	"sync"

	"lumesync/pkg/model"
)

// MemoryStore is a simple in-memory manifest catalog.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]model.Manifest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: make(map[string]model.Manifest)}
}

func (m *MemoryStore) PutManifest(man model.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[man.Version] = man
	return nil
}

func (m *MemoryStore) GetManifest(version string) (model.Manifest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	man, ok := m.manifests[version]
	return man, ok, nil
}

func (m *MemoryStore) ListManifests() ([]model.Manifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Manifest, 0, len(m.manifests))
	for _, man := range m.manifests {
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MemoryStore) DeleteManifest(version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.manifests, version)
	return nil
}
