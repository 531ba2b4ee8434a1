package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process local Store.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]*memoryPartition),
	}
}

// Open returns the named partition, creating it if needed.
func (s *MemoryStore) Open(ctx context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[name]
	if !ok {
		p = &memoryPartition{store: s, name: name, entries: make(map[string]memoryEntry)}
		s.partitions[name] = p
	}
	return p, nil
}

// Partitions lists partition names in sorted order.
func (s *MemoryStore) Partitions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeletePartition drops the partition and its entries.
func (s *MemoryStore) DeletePartition(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.partitions[name]; ok {
		p.drop()
		delete(s.partitions, name)
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryEntry struct {
	key   Key
	entry *Entry
}

type memoryPartition struct {
	store   *MemoryStore
	name    string
	mu      sync.RWMutex
	entries map[string]memoryEntry
	dropped bool
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Get(ctx context.Context, key Key) (*Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[key.String()]
	if !ok {
		recordMiss(p.name)
		return nil, ErrNotFound
	}
	recordHit(p.name)
	return e.entry.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	p.mu.Lock()
	dropped := p.dropped
	if !dropped {
		p.entries[key.String()] = memoryEntry{key: key, entry: entry.Clone()}
	}
	p.mu.Unlock()

	// Writing through a handle of a deleted partition recreates it, as the
	// Redis and SQLite backends do.
	if dropped {
		target, err := p.store.Open(ctx, p.name)
		if err != nil {
			return err
		}
		return target.Put(ctx, key, entry)
	}

	recordWrite(p.name)
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key.String())
	return nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]Key, 0, len(p.entries))
	for _, e := range p.entries {
		keys = append(keys, e.key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (p *memoryPartition) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]memoryEntry)
	p.dropped = true
}
