package gc

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"

	"github.com/FastFilter/xorfilter"
)

// idFilter is an approximate set of extent ids. Contains never returns false
// for an id which was added, but may return true for one which wasn't.
type idFilter struct {
	xf *xorfilter.BinaryFuse8
}

func newIDFilter(ids []string) (*idFilter, error) {
	if len(ids) == 0 {
		return &idFilter{}, nil
	}

	hashes := make([]uint64, len(ids))
	for i, id := range ids {
		hashes[i] = hashID(id)
	}

	slices.Sort(hashes)
	hashes = slices.Compact(hashes)

	xf, err := xorfilter.PopulateBinaryFuse8(hashes)
	if err != nil {
		return nil, fmt.Errorf("PopulateBinaryFuse8: %w", err)
	}

	return &idFilter{xf: xf}, nil
}

func (f *idFilter) Contains(id string) bool {
	if f.xf == nil {
		return false
	}
	return f.xf.Contains(hashID(id))
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

// sweepFiltered is SweepOnce for when the candidate set is too big to hold in
// memory. The referred ids are squashed into a filter, then candidates are
// streamed page by page. Those which the filter rules out are deleted right
// away. The few which it doesn't are checked against a second pass over the
// referred ids.
func (s *Sweeper) sweepFiltered(ctx context.Context, stats *Stats) error {
	var referred []string
	it := s.referred.ReferredExtentIterator()
	for it.Next(ctx) {
		referred = append(referred, it.IDs()...)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("referred extents: %w", err)
	}

	f, err := newIDFilter(referred)
	if err != nil {
		return err
	}
	referred = nil

	maybe := map[string]struct{}{}

	all := s.all()
	for all.Next(ctx) {
		var unref []string
		for _, id := range all.IDs() {
			stats.All++
			if f.Contains(id) {
				maybe[id] = struct{}{}
			} else {
				unref = append(unref, id)
			}
		}

		if err := s.delete(ctx, stats, unref); err != nil {
			return err
		}
	}
	if err := all.Err(); err != nil {
		return fmt.Errorf("all extents: %w", err)
	}

	if len(maybe) == 0 {
		return nil
	}

	it = s.referred.ReferredExtentIterator()
	for it.Next(ctx) {
		for _, id := range it.IDs() {
			delete(maybe, id)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("referred extents: %w", err)
	}

	unref := make([]string, 0, len(maybe))
	for id := range maybe {
		unref = append(unref, id)
	}
	slices.Sort(unref)

	return s.delete(ctx, stats, unref)
}

func (s *Sweeper) delete(ctx context.Context, stats *Stats, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	stats.Unreferenced += len(ids)

	n, err := s.store.Delete(ctx, ids)
	stats.Deleted += n
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}

	return nil
}
