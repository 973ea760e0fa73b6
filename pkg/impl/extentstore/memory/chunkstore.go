package memory

import (
	"sync"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/shirou/gopsutil/v3/mem"
)

// fallbackLimit is used when the amount of physical memory can't be read.
const fallbackLimit = 1 << 30

// DefaultLimit returns half of the physical memory.
func DefaultLimit() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return fallbackLimit
	}

	return int64(vm.Total / 2)
}

// MemoryChunk is one appended payload, as the buffers it was read in.
type MemoryChunk struct {
	ID      string
	Count   int64
	Buffers [][]byte
}

// ChunkStore holds the payloads of every memory store in the process, grouped
// into categories (one per service, say), and enforces a single byte budget
// across all of them.
type ChunkStore struct {
	mu         sync.Mutex
	limit      int64
	total      int64
	categories map[string]map[string]*MemoryChunk
}

// NewChunkStore returns a store holding at most limit bytes. A limit of zero
// or less means DefaultLimit.
func NewChunkStore(limit int64) *ChunkStore {
	if limit <= 0 {
		limit = DefaultLimit()
	}

	return &ChunkStore{
		limit:      limit,
		categories: map[string]map[string]*MemoryChunk{},
	}
}

// Set adds the chunk to the category, replacing any chunk with the same id.
// If that would take the total over the limit, nothing changes and
// CapacityExceeded is returned.
func (cs *ChunkStore) Set(category string, chunk *MemoryChunk) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cat := cs.categories[category]

	var existing int64
	if old, ok := cat[chunk.ID]; ok {
		existing = old.Count
	}

	delta := chunk.Count - existing
	if cs.total+delta > cs.limit {
		return &api.CapacityExceeded{
			Requested: chunk.Count,
			Used:      cs.total,
			Limit:     cs.limit,
		}
	}

	if cat == nil {
		cat = map[string]*MemoryChunk{}
		cs.categories[category] = cat
	}

	cat[chunk.ID] = chunk
	cs.total += delta

	return nil
}

func (cs *ChunkStore) Get(category, id string) (*MemoryChunk, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.categories[category][id]
	return c, ok
}

// Delete removes the chunk, and returns whether it was there.
func (cs *ChunkStore) Delete(category, id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cat := cs.categories[category]
	c, ok := cat[id]
	if !ok {
		return false
	}

	delete(cat, id)
	cs.total -= c.Count
	return true
}

// Clear removes every chunk in the category.
func (cs *ChunkStore) Clear(category string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, c := range cs.categories[category] {
		cs.total -= c.Count
	}

	delete(cs.categories, category)
}

// Available returns how many more bytes can be admitted.
func (cs *ChunkStore) Available() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.limit - cs.total
}

func (cs *ChunkStore) TotalSize() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.total
}

func (cs *ChunkStore) Limit() int64 {
	return cs.limit
}
