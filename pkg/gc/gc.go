// Package gc deletes extents which nothing refers to any more. Each sweep
// collects the ids of every extent old enough to be collected, subtracts the
// ids which the catalog still refers to, and deletes the rest.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/adammck/extentstore/pkg/metastore"
	"github.com/jonboulle/clockwork"
)

const DefaultInterval = 60 * time.Second

var ErrRunning = errors.New("already running")

type Stats struct {
	All          int
	Unreferenced int
	Deleted      int
	Duration     time.Duration
}

type Sweeper struct {
	referred metastore.ReferredExtents
	store    api.ExtentStore
	all      func() api.ExtentIterator
	clock    clockwork.Clock
	logger   *slog.Logger
	interval time.Duration
	onError  func(error)
	filtered bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Sweeper)

func WithClock(c clockwork.Clock) Option {
	return func(s *Sweeper) {
		s.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithInterval sets the pause between sweeps. Anything less than a
// millisecond is a millisecond.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		s.interval = max(d, time.Millisecond)
	}
}

// WithErrorHandler is called when a sweep fails, which stops the loop.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Sweeper) {
		s.onError = fn
	}
}

// WithAllExtents replaces the iterator over candidate extents, which is the
// store's metadata iterator by default.
func WithAllExtents(fn func() api.ExtentIterator) Option {
	return func(s *Sweeper) {
		s.all = fn
	}
}

// WithFilteredMark streams candidates rather than collecting them all first,
// at the cost of reading the referred ids twice.
func WithFilteredMark() Option {
	return func(s *Sweeper) {
		s.filtered = true
	}
}

func New(referred metastore.ReferredExtents, store api.ExtentStore, opts ...Option) *Sweeper {
	s := &Sweeper{
		referred: referred,
		store:    store,
		all:      store.MetadataStore().ExtentIterator,
		clock:    clockwork.NewRealClock(),
		interval: DefaultInterval,
		onError:  func(error) {},
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = logging.OrDiscard(s.logger)
	return s
}

// SweepOnce runs a single mark and sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Stats, error) {
	start := s.clock.Now()
	stats := &Stats{}

	var err error
	if s.filtered {
		err = s.sweepFiltered(ctx, stats)
	} else {
		err = s.sweep(ctx, stats)
	}
	if err != nil {
		return stats, err
	}

	stats.Duration = s.clock.Since(start)
	s.logger.InfoContext(ctx, "swept extents",
		"all", stats.All, "unreferenced", stats.Unreferenced, "deleted", stats.Deleted, "duration", stats.Duration)

	return stats, nil
}

func (s *Sweeper) sweep(ctx context.Context, stats *Stats) error {
	// mark
	ids, err := metastore.Collect(ctx, s.all())
	if err != nil {
		return fmt.Errorf("all extents: %w", err)
	}

	stats.All = len(ids)

	it := s.referred.ReferredExtentIterator()
	for it.Next(ctx) {
		for _, id := range it.IDs() {
			delete(ids, id)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("referred extents: %w", err)
	}

	// sweep
	unref := make([]string, 0, len(ids))
	for id := range ids {
		unref = append(unref, id)
	}
	sort.Strings(unref)

	return s.delete(ctx, stats, unref)
}

// Start sweeps in the background until Close is called or a sweep fails.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
			// the previous loop stopped on an error.
		default:
			return ErrRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	return nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		_, err := s.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.ErrorContext(ctx, "sweep failed; stopping", "error", err)
			s.onError(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
	}
}

// Running returns whether the background loop is running.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		return false
	}

	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close stops the background loop, and waits for it to finish.
func (s *Sweeper) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}
