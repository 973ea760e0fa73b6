// Package metastore holds the backend-independent parts of the extent
// metadata store: the enumeration iterators used by garbage collection.
// Backends live in pkg/impl/metastore.
package metastore

import (
	"context"
	"fmt"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultPageSize is the number of ids fetched per batch.
	DefaultPageSize = api.DefaultMaxResults

	// DefaultProtectWindow is how old an extent must be before the iterator
	// will return it. Anything younger might still be mid-append.
	DefaultProtectWindow = 10 * time.Minute
)

// AllExtents iterates over the ids of every extent which was last modified
// before the protect window, as of when the iterator was created. It's not
// restartable; create a new one to scan again.
type AllExtents struct {
	md            api.MetadataStore
	pageSize      int
	protectWindow time.Duration
	queryTime     time.Time

	marker api.Marker
	done   bool
	ids    []string
	err    error
}

var _ api.ExtentIterator = (*AllExtents)(nil)

type Option func(*AllExtents)

// WithClock sets the clock which the query time is captured from.
func WithClock(c clockwork.Clock) Option {
	return func(it *AllExtents) {
		it.queryTime = c.Now()
	}
}

func WithPageSize(n int) Option {
	return func(it *AllExtents) {
		it.pageSize = n
	}
}

func WithProtectWindow(d time.Duration) Option {
	return func(it *AllExtents) {
		it.protectWindow = d
	}
}

func NewAllExtents(md api.MetadataStore, opts ...Option) *AllExtents {
	it := &AllExtents{
		md:            md,
		pageSize:      DefaultPageSize,
		protectWindow: DefaultProtectWindow,
	}

	for _, o := range opts {
		o(it)
	}

	if it.queryTime.IsZero() {
		it.queryTime = time.Now()
	}

	return it
}

// Next fetches the next page of ids. The final page may be empty.
func (it *AllExtents) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		it.ids = nil
		return false
	}

	extents, marker, err := it.md.ListExtents(ctx, api.ListOptions{
		MaxResults:    it.pageSize,
		Marker:        it.marker,
		QueryTime:     it.queryTime,
		ProtectWindow: it.protectWindow,
	})
	if err != nil {
		it.err = fmt.Errorf("ListExtents: %w", err)
		it.ids = nil
		return false
	}

	it.marker = marker
	if marker == "" {
		it.done = true
	}

	it.ids = make([]string, len(extents))
	for i, e := range extents {
		it.ids[i] = e.ID
	}

	return true
}

func (it *AllExtents) IDs() []string {
	return it.ids
}

func (it *AllExtents) Err() error {
	return it.err
}

// QueryTime returns the time captured when the iterator was created.
func (it *AllExtents) QueryTime() time.Time {
	return it.queryTime
}

// Collect drains an iterator into a set.
func Collect(ctx context.Context, it api.ExtentIterator) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	for it.Next(ctx) {
		for _, id := range it.IDs() {
			ids[id] = struct{}{}
		}
	}

	if err := it.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}
