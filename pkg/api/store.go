package api

import (
	"context"
	"io"
	"time"
)

// DefaultMaxResults is the page size used by ListExtents when none is given.
const DefaultMaxResults = 5000

// Marker is an opaque pagination cursor returned by ListExtents. The empty
// marker means "start from the beginning" when passed in, and "no more pages"
// when returned.
type Marker string

type ListOptions struct {
	// ID restricts the listing to a single extent, if set.
	ID string

	// MaxResults is the page size. Zero means DefaultMaxResults.
	MaxResults int

	// Marker is the cursor returned by the previous page, if any.
	Marker Marker

	// QueryTime, if set, restricts the listing to extents last modified
	// before QueryTime minus ProtectWindow. This keeps extents which are
	// still being appended to away from the garbage collector.
	QueryTime     time.Time
	ProtectWindow time.Duration
}

// Cutoff returns the LastModifiedInMS value which listed extents must be
// strictly less than, and whether the filter applies at all.
func (o ListOptions) Cutoff() (int64, bool) {
	if o.QueryTime.IsZero() {
		return 0, false
	}
	return o.QueryTime.Add(-o.ProtectWindow).UnixMilli(), true
}

// Limit returns MaxResults, or the default if it's unset.
func (o ListOptions) Limit() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

// ExtentIterator produces batches of extent ids. It's finite.
type ExtentIterator interface {
	// Next fetches the next batch, and returns true if one is available.
	Next(ctx context.Context) bool

	// IDs returns the current batch. Only valid after Next returns true.
	IDs() []string

	// Err returns any error encountered during iteration.
	Err() error
}

// MetadataStore tracks where each extent lives and how big it is. There are
// several interchangeable backends in pkg/impl/metastore.
type MetadataStore interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	// UpdateExtent creates the extent if it doesn't exist, otherwise
	// overwrites its size and last modified time.
	UpdateExtent(ctx context.Context, extent *Extent) error

	// DeleteExtent removes the extent. Deleting an unknown id is not an
	// error.
	DeleteExtent(ctx context.Context, id string) error

	// ListExtents returns one page of extents, and the marker of the next
	// page (or the empty marker, if this was the last one).
	ListExtents(ctx context.Context, opts ListOptions) ([]*Extent, Marker, error)

	// GetExtentLocationID returns the destination of the given extent, or
	// NotFound.
	GetExtentLocationID(ctx context.Context, id string) (string, error)

	// ExtentIterator enumerates the ids of all extents old enough to be
	// garbage collected.
	ExtentIterator() ExtentIterator
}

// ExtentStore persists payload bytes as extents. This is the whole interface
// which the catalog above us needs.
type ExtentStore interface {
	// Append writes everything from r and returns a handle to it.
	Append(ctx context.Context, r io.Reader) (Chunk, error)

	// Read returns the bytes referenced by a single chunk. The caller MUST
	// close the reader.
	Read(ctx context.Context, chunk Chunk) (io.ReadCloser, error)

	// ReadMany treats the chunks as one logical concatenated stream, and
	// returns count bytes of it starting at offset. A negative count reads to
	// the end. The caller MUST close the reader.
	ReadMany(ctx context.Context, chunks []Chunk, offset, count int64) (io.ReadCloser, error)

	// Delete removes the given extents and their metadata, returning the
	// number removed. Deleting an unknown id is not an error.
	Delete(ctx context.Context, ids []string) (int, error)

	// MetadataStore returns the store which tracks this store's extents, so
	// the garbage collector can enumerate them.
	MetadataStore() MetadataStore
}
