package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/adammck/extentstore/pkg/api"
)

// ReferredExtents is implemented by the catalog which sits above the extent
// store (blobs, blocks, messages). Its iterator must enumerate every extent id
// which any chunk still references, so that the garbage collector can delete
// the rest. It must be complete each time it's constructed.
type ReferredExtents interface {
	ReferredExtentIterator() api.ExtentIterator
}

// StaticReferred is a ReferredExtents backed by an in-memory set of ids. The
// CLI uses it to collect garbage given a list of ids read from a file.
type StaticReferred struct {
	mu       sync.Mutex
	ids      map[string]struct{}
	pageSize int
}

var _ ReferredExtents = (*StaticReferred)(nil)

func NewStaticReferred(ids ...string) *StaticReferred {
	s := &StaticReferred{
		ids:      map[string]struct{}{},
		pageSize: DefaultPageSize,
	}
	s.Add(ids...)
	return s
}

func (s *StaticReferred) Add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

func (s *StaticReferred) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.ids, id)
	}
}

// ReferredExtentIterator snapshots the current set.
func (s *StaticReferred) ReferredExtentIterator() api.ExtentIterator {
	s.mu.Lock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return &sliceIterator{ids: ids, pageSize: s.pageSize}
}

type sliceIterator struct {
	ids      []string
	pageSize int
	pos      int
	cur      []string
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.pos >= len(it.ids) {
		it.cur = nil
		return false
	}

	end := min(it.pos+it.pageSize, len(it.ids))
	it.cur = it.ids[it.pos:end]
	it.pos = end
	return true
}

func (it *sliceIterator) IDs() []string {
	return it.cur
}

func (it *sliceIterator) Err() error {
	return nil
}
