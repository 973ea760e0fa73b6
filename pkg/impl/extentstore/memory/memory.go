// Package memory is an extent store which keeps payloads in memory, for when
// persistence isn't wanted. Every append is its own extent. Payloads live in
// a ChunkStore, which may be shared with other memory stores so that they all
// draw from one budget.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/chunks"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// readSize is the size of the buffers which appended payloads are read into.
const readSize = 64 * 1024

type Store struct {
	category string
	chunks   *ChunkStore
	md       api.MetadataStore
	clock    clockwork.Clock
	logger   *slog.Logger
	newID    func() string

	mu   sync.Mutex
	open bool
}

var _ api.ExtentStore = (*Store)(nil)

type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New returns a store which keeps its payloads in the given category of cs.
// Call Init before using it.
func New(category string, cs *ChunkStore, md api.MetadataStore, opts ...Option) *Store {
	s := &Store{
		category: category,
		chunks:   cs,
		md:       md,
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = logging.OrDiscard(s.logger)
	return s
}

func (s *Store) Init(ctx context.Context) error {
	if err := s.md.Init(ctx); err != nil {
		return fmt.Errorf("metadata Init: %w", err)
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()

	if err := s.md.Close(ctx); err != nil {
		return fmt.Errorf("metadata Close: %w", err)
	}

	return nil
}

// Clean drops every payload in this store's category. The store must be
// closed.
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return api.ErrNotClosed
	}

	s.chunks.Clear(s.category)
	return nil
}

func (s *Store) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Store) MetadataStore() api.MetadataStore {
	return s.md
}

func (s *Store) Append(ctx context.Context, r io.Reader) (api.Chunk, error) {
	if !s.isOpen() {
		return api.Chunk{}, api.ErrClosed
	}

	bufs, count, err := s.readAll(r)
	if err != nil {
		return api.Chunk{}, err
	}

	mc := &MemoryChunk{
		ID:      s.newID(),
		Count:   count,
		Buffers: bufs,
	}

	if err := s.chunks.Set(s.category, mc); err != nil {
		return api.Chunk{}, err
	}

	err = s.md.UpdateExtent(ctx, &api.Extent{
		ID:               mc.ID,
		LocationID:       s.category,
		Path:             mc.ID,
		Size:             count,
		LastModifiedInMS: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		s.chunks.Delete(s.category, mc.ID)
		return api.Chunk{}, fmt.Errorf("UpdateExtent(%s): %w", mc.ID, err)
	}

	s.logger.DebugContext(ctx, "appended", "category", s.category, "extent", mc.ID, "count", count)

	return api.Chunk{ID: mc.ID, Offset: 0, Count: count}, nil
}

// readAll reads r into a list of non-empty buffers. It gives up as soon as
// the payload can't possibly fit, rather than buffering all of it first.
func (s *Store) readAll(r io.Reader) ([][]byte, int64, error) {
	var bufs [][]byte
	var count int64

	for {
		buf := make([]byte, readSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if n < readSize/4 {
				// don't pin a whole read buffer for a small tail.
				buf = bytes.Clone(buf[:n])
			}
			bufs = append(bufs, buf[:n])
			count += int64(n)

			if avail := s.chunks.Available(); count > avail {
				return nil, 0, &api.CapacityExceeded{
					Requested: count,
					Used:      s.chunks.TotalSize(),
					Limit:     s.chunks.Limit(),
				}
			}
		}

		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return bufs, count, nil
			}
			return nil, 0, fmt.Errorf("read: %w", err)
		}
	}
}

func (s *Store) Read(ctx context.Context, c api.Chunk) (io.ReadCloser, error) {
	if c.Count == 0 {
		return chunks.Empty(), nil
	}

	if c.ID == api.ZeroExtentID {
		if c.Count < 0 {
			return nil, &api.RangeError{Offset: c.Offset, Count: c.Count}
		}
		return chunks.Zeros(c.Count), nil
	}

	mc, ok := s.chunks.Get(s.category, c.ID)
	if !ok {
		return nil, &api.NotFound{ID: c.ID}
	}

	// written so that a huge count can't overflow.
	if c.Offset < 0 || c.Count < 0 || c.Offset > mc.Count || c.Count > mc.Count-c.Offset {
		return nil, &api.RangeError{Offset: c.Offset, Count: c.Count, Available: mc.Count}
	}

	return io.NopCloser(io.MultiReader(slice(mc.Buffers, c.Offset, c.Count)...)), nil
}

// slice returns readers over [offset, offset+count) of the concatenated
// buffers, sharing their memory.
func slice(bufs [][]byte, offset, count int64) []io.Reader {
	var out []io.Reader
	skip, take := offset, count

	for _, b := range bufs {
		if take == 0 {
			break
		}

		n := int64(len(b))
		if skip >= n {
			skip -= n
			continue
		}

		end := min(n, skip+take)
		out = append(out, bytes.NewReader(b[skip:end]))
		take -= end - skip
		skip = 0
	}

	return out
}

func (s *Store) ReadMany(ctx context.Context, cs []api.Chunk, offset, count int64) (io.ReadCloser, error) {
	return chunks.ReadMany(ctx, s.Read, cs, offset, count)
}

// Delete returns the number of extents which were actually removed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if !s.isOpen() {
		return 0, api.ErrClosed
	}

	n := 0
	var errs []error

	for _, id := range ids {
		if s.chunks.Delete(s.category, id) {
			n++
		}

		if err := s.md.DeleteExtent(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("DeleteExtent(%s): %w", id, err))
		}
	}

	return n, errors.Join(errs...)
}
