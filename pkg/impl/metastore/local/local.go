// Package local is an in-process metadata store. Extents are held in a map
// plus an index ordered by insertion, which is what the pagination marker
// refers to. If a path is given, the whole collection is saved there as a
// stream of BSON documents on Flush, on Close, and periodically if autosave
// is enabled.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/jonboulle/clockwork"
)

type doc struct {
	api.Extent `bson:",inline"`
	Seq        uint64 `bson:"seq"`
}

type Store struct {
	path     string
	clock    clockwork.Clock
	logger   *slog.Logger
	autosave time.Duration

	mu     sync.RWMutex
	open   bool
	byID   map[string]*doc
	bySeq  []*doc // ascending Seq
	seq    uint64
	dirty  bool
	stop   chan struct{}
	saving sync.WaitGroup
}

var _ api.MetadataStore = (*Store)(nil)

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

// WithAutosave saves the collection every interval while the store is open,
// if anything changed. It has no effect without a path.
func WithAutosave(interval time.Duration) Option {
	return func(s *Store) {
		s.autosave = interval
	}
}

// New returns a store persisted at path, or kept only in memory if path is
// empty. Call Init before using it.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:  path,
		clock: clockwork.NewRealClock(),
		byID:  map[string]*doc{},
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Init loads the collection from disk, if there is one, and writes it back
// so the file exists from now on.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	if s.path != "" {
		docs, err := load(s.path)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}

		s.byID = make(map[string]*doc, len(docs))
		s.bySeq = docs
		s.seq = 0
		for _, d := range docs {
			s.byID[d.ID] = d
			s.seq = max(s.seq, d.Seq)
		}

		if err := save(s.path, s.bySeq); err != nil {
			return fmt.Errorf("save: %w", err)
		}

		s.logger.DebugContext(ctx, "loaded extent metadata", "path", s.path, "extents", len(docs))
	}

	s.open = true

	if s.path != "" && s.autosave > 0 {
		s.stop = make(chan struct{})
		s.saving.Add(1)
		go s.autosaveLoop(s.stop)
	}

	return nil
}

func (s *Store) autosaveLoop(stop chan struct{}) {
	defer s.saving.Done()

	t := s.clock.NewTicker(s.autosave)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.Chan():
			if err := s.Flush(); err != nil {
				s.logger.Error("autosave failed", "path", s.path, "error", err)
			}
		}
	}
}

// Flush saves the collection to disk if it has changed since the last save.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	if err := save(s.path, s.bySeq); err != nil {
		return fmt.Errorf("save: %w", err)
	}

	s.dirty = false
	return nil
}

// Close stops autosave and saves the collection. It's safe to call more than
// once.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.saving.Wait()
	}

	return s.Flush()
}

// Clean removes the file. The store must be closed.
func (s *Store) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return api.ErrNotClosed
	}

	if s.path == "" {
		return nil
	}

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (s *Store) UpdateExtent(ctx context.Context, extent *api.Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return api.ErrClosed
	}

	if d, ok := s.byID[extent.ID]; ok {
		d.Size = extent.Size
		d.LastModifiedInMS = extent.LastModifiedInMS
		s.dirty = true
		return nil
	}

	s.seq++
	d := &doc{Extent: *extent, Seq: s.seq}
	s.byID[d.ID] = d
	s.bySeq = append(s.bySeq, d)
	s.dirty = true

	return nil
}

func (s *Store) DeleteExtent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return api.ErrClosed
	}

	d, ok := s.byID[id]
	if !ok {
		return nil
	}

	delete(s.byID, id)
	i := s.search(d.Seq)
	s.bySeq = append(s.bySeq[:i], s.bySeq[i+1:]...)
	s.dirty = true

	return nil
}

// search returns the index of the first doc with Seq >= seq.
func (s *Store) search(seq uint64) int {
	return sort.Search(len(s.bySeq), func(i int) bool {
		return s.bySeq[i].Seq >= seq
	})
}

func (s *Store) ListExtents(ctx context.Context, opts api.ListOptions) ([]*api.Extent, api.Marker, error) {
	after, err := parseMarker(opts.Marker)
	if err != nil {
		return nil, "", err
	}

	limit := opts.Limit()
	cutoff, filter := opts.Cutoff()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, "", api.ErrClosed
	}

	var out []*api.Extent
	var last uint64

	for _, d := range s.bySeq[s.search(after+1):] {
		if opts.ID != "" && d.ID != opts.ID {
			continue
		}
		if filter && d.LastModifiedInMS >= cutoff {
			continue
		}

		e := d.Extent
		out = append(out, &e)
		last = d.Seq

		if len(out) == limit {
			return out, formatMarker(last), nil
		}
	}

	return out, "", nil
}

func (s *Store) GetExtentLocationID(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return "", api.ErrClosed
	}

	d, ok := s.byID[id]
	if !ok {
		return "", &api.NotFound{ID: id}
	}

	return d.LocationID, nil
}

func (s *Store) ExtentIterator() api.ExtentIterator {
	return metastore.NewAllExtents(s, metastore.WithClock(s.clock))
}

// Len returns the number of extents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func formatMarker(seq uint64) api.Marker {
	// zero padded so markers sort as strings too.
	return api.Marker(fmt.Sprintf("%020d", seq))
}

func parseMarker(m api.Marker) (uint64, error) {
	if m == "" {
		return 0, nil
	}

	seq, err := strconv.ParseUint(string(m), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid marker %q: %w", m, err)
	}

	// no sequence number follows this one.
	if seq == math.MaxUint64 {
		return 0, fmt.Errorf("invalid marker %q", m)
	}

	return seq, nil
}

func tempPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
}
