// Package fs is an extent store which keeps each extent in its own file,
// under one of several destination directories.
//
// Each destination has some number of append slots. A slot points at the
// extent it's currently appending to, and the offset where the next append
// will land. An append claims an idle slot, writes everything at that offset,
// fsyncs, then updates the metadata. Once a slot's offset reaches the maximum
// extent size, its next append starts a new extent.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/chunks"
	"github.com/adammck/extentstore/pkg/fdcache"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/adammck/extentstore/pkg/opqueue"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxExtentSize   = 64 * 1024 * 1024
	DefaultReadConcurrency = 100
)

type status int

const (
	idle status = iota
	appending
)

type slot struct {
	id         string
	offset     int64
	status     status
	locationID string
}

type Store struct {
	md    api.MetadataStore
	dests []api.Destination
	paths map[string]string // location id -> dir

	maxExtentSize   int64
	readConcurrency int
	fdCacheSize     int
	clock           clockwork.Clock
	logger          *slog.Logger
	newID           func() string

	appendQ *opqueue.Queue
	readQ   *opqueue.Queue
	fds     *fdcache.Cache

	mu    sync.Mutex
	open  bool
	slots []*slot
	next  int // where the next idle-slot scan starts
}

var _ api.ExtentStore = (*Store)(nil)

type Option func(*Store)

// WithMaxExtentSize sets the offset at which a slot moves on to a new extent.
// An extent can grow past it by up to one append.
func WithMaxExtentSize(n int64) Option {
	return func(s *Store) {
		s.maxExtentSize = n
	}
}

// WithReadConcurrency bounds how many extent files are being opened for
// reading at once.
func WithReadConcurrency(n int) Option {
	return func(s *Store) {
		s.readConcurrency = n
	}
}

func WithFDCacheSize(n int) Option {
	return func(s *Store) {
		s.fdCacheSize = n
	}
}

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

// New returns a store which appends to the given destinations. Each gets
// MaxConcurrency append slots (at least one). Call Init before using it.
func New(md api.MetadataStore, dests []api.Destination, opts ...Option) *Store {
	s := &Store{
		md:              md,
		dests:           dests,
		paths:           make(map[string]string, len(dests)),
		maxExtentSize:   DefaultMaxExtentSize,
		readConcurrency: DefaultReadConcurrency,
		fdCacheSize:     fdcache.DefaultSize,
		clock:           clockwork.NewRealClock(),
		newID:           uuid.NewString,
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = logging.OrDiscard(s.logger)

	for _, d := range dests {
		s.paths[d.LocationID] = d.Path
		for i := 0; i < max(d.MaxConcurrency, 1); i++ {
			s.slots = append(s.slots, &slot{
				id:         s.newID(),
				locationID: d.LocationID,
			})
		}
	}

	s.appendQ = opqueue.New(len(s.slots), s.logger.With("queue", "append"))
	s.readQ = opqueue.New(s.readConcurrency, s.logger.With("queue", "read"))
	s.fds = fdcache.New(s.fdCacheSize)

	return s
}

// Init creates the destination directories and initializes the metadata
// store.
func (s *Store) Init(ctx context.Context) error {
	if len(s.slots) == 0 {
		return errors.New("no destinations")
	}

	for _, d := range s.dests {
		if err := os.MkdirAll(d.Path, 0o755); err != nil {
			return fmt.Errorf("MkdirAll(%s): %w", d.Path, err)
		}
	}

	if err := s.md.Init(ctx); err != nil {
		return fmt.Errorf("metadata Init: %w", err)
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()

	return nil
}

// Close closes every cached file handle and the metadata store.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()

	s.fds.Clear()

	if err := s.md.Close(ctx); err != nil {
		return fmt.Errorf("metadata Close: %w", err)
	}

	return nil
}

// Clean removes every destination directory. The store must be closed.
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return api.ErrNotClosed
	}

	var errs []error
	for _, d := range s.dests {
		if err := os.RemoveAll(d.Path); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Store) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Store) MetadataStore() api.MetadataStore {
	return s.md
}

func (s *Store) path(locationID, id string) (string, error) {
	dir, ok := s.paths[locationID]
	if !ok {
		return "", fmt.Errorf("unknown location: %s", locationID)
	}

	return filepath.Join(dir, id), nil
}

func (s *Store) Append(ctx context.Context, r io.Reader) (api.Chunk, error) {
	if !s.isOpen() {
		return api.Chunk{}, api.ErrClosed
	}

	return opqueue.Do(ctx, s.appendQ, func() (api.Chunk, error) {
		// started ops run to completion.
		return s.append(context.WithoutCancel(ctx), r)
	})
}

// claim marks an idle slot as appending, rotating it to a new extent first if
// it's full. The append queue is sized to the slot count, so there is always
// an idle slot.
func (s *Store) claim(ctx context.Context) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		idx := (s.next + i) % len(s.slots)
		sl := s.slots[idx]
		if sl.status != idle {
			continue
		}

		s.next = (idx + 1) % len(s.slots)
		sl.status = appending

		if sl.offset >= s.maxExtentSize {
			old := sl.id
			sl.id = s.newID()
			sl.offset = 0

			// nobody else appends to the old extent.
			s.fds.Remove(old)

			s.logger.InfoContext(ctx, "allocated new extent",
				"location", sl.locationID, "old", old, "new", sl.id, "max_extent_size", s.maxExtentSize)
		}

		return sl, nil
	}

	return nil, errors.New("no idle append slot")
}

func (s *Store) release(sl *slot, written int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.offset += written
	sl.status = idle
}

func (s *Store) append(ctx context.Context, r io.Reader) (api.Chunk, error) {
	sl, err := s.claim(ctx)
	if err != nil {
		return api.Chunk{}, err
	}

	// only this goroutine touches the slot until it's released.
	id, offset, loc := sl.id, sl.offset, sl.locationID

	n, err := s.write(ctx, id, loc, offset, r)
	if err != nil {
		// the offset stays put, so the next append to this slot overwrites
		// whatever was partially written.
		s.release(sl, 0)
		return api.Chunk{}, err
	}

	// the slot stays claimed until the metadata is updated, so the recorded
	// size of an extent never goes backwards. the bytes are on disk either
	// way, so the offset advances even if the update fails.
	err = s.md.UpdateExtent(ctx, &api.Extent{
		ID:               id,
		LocationID:       loc,
		Path:             id,
		Size:             offset + n,
		LastModifiedInMS: s.clock.Now().UnixMilli(),
	})
	s.release(sl, n)
	if err != nil {
		return api.Chunk{}, fmt.Errorf("UpdateExtent(%s): %w", id, err)
	}

	s.logger.DebugContext(ctx, "appended", "extent", id, "offset", offset, "count", n)

	return api.Chunk{ID: id, Offset: offset, Count: n}, nil
}

// write copies r into the extent file at offset, and syncs it.
func (s *Store) write(ctx context.Context, id, loc string, offset int64, r io.Reader) (int64, error) {
	h, err := s.acquire(ctx, id, loc)
	if err != nil {
		return 0, err
	}
	defer h.release()

	n, err := io.Copy(io.NewOffsetWriter(h.f, offset), r)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", id, err)
	}

	if err := h.f.Sync(); err != nil {
		return 0, fmt.Errorf("Sync(%s): %w", id, err)
	}

	return n, nil
}

// acquire returns a referenced handle to the extent file, from the cache or
// freshly opened (and cached).
func (s *Store) acquire(ctx context.Context, id, loc string) (*handle, error) {
	if c, ok := s.fds.Get(id); ok {
		if h := c.(*handle); h.acquire() {
			return h, nil
		}
	}

	path, err := s.path(loc, id)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}

	s.logger.DebugContext(ctx, "opened extent for append", "extent", id, "path", path)

	h := newHandle(f)
	h.acquire()
	s.fds.Insert(id, h)

	return h, nil
}

func (s *Store) Read(ctx context.Context, c api.Chunk) (io.ReadCloser, error) {
	if c.Count == 0 {
		return chunks.Empty(), nil
	}

	if c.Offset < 0 || c.Count < 0 || c.Offset > math.MaxInt64-c.Count {
		return nil, &api.RangeError{Offset: c.Offset, Count: c.Count}
	}

	if c.ID == api.ZeroExtentID {
		return chunks.Zeros(c.Count), nil
	}

	if !s.isOpen() {
		return nil, api.ErrClosed
	}

	loc, err := s.md.GetExtentLocationID(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("GetExtentLocationID: %w", err)
	}

	path, err := s.path(loc, c.ID)
	if err != nil {
		return nil, err
	}

	return newLazyReader(ctx, s.readQ, path, c.Offset, c.Count), nil
}

func (s *Store) ReadMany(ctx context.Context, cs []api.Chunk, offset, count int64) (io.ReadCloser, error) {
	return chunks.ReadMany(ctx, s.Read, cs, offset, count)
}

// Delete removes extents which are not currently being appended to. The
// garbage collector can't tell which those are, so skipping them is not an
// error. Unknown ids are skipped too.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if !s.isOpen() {
		return 0, api.ErrClosed
	}

	n := 0
	for _, id := range ids {
		if id == api.ZeroExtentID {
			continue
		}

		if s.isActive(id) {
			s.logger.DebugContext(ctx, "skip deleting active extent", "extent", id)
			continue
		}

		loc, err := s.md.GetExtentLocationID(ctx, id)
		if err != nil {
			if errors.Is(err, &api.NotFound{}) {
				continue
			}
			return n, fmt.Errorf("GetExtentLocationID: %w", err)
		}

		path, err := s.path(loc, id)
		if err != nil {
			return n, err
		}

		s.fds.Remove(id)

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("Remove: %w", err)
		}

		if err := s.md.DeleteExtent(ctx, id); err != nil {
			return n, fmt.Errorf("DeleteExtent: %w", err)
		}

		s.logger.DebugContext(ctx, "deleted extent", "extent", id, "path", path)
		n++
	}

	return n, nil
}

func (s *Store) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		if sl.id == id {
			return true
		}
	}

	return false
}
