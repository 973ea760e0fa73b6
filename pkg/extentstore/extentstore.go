// Package extentstore builds a complete extent store from a config: the
// metadata backend, the fs or memory store on top of it, and the sweeper and
// backup which operate on them.
package extentstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/backup"
	"github.com/adammck/extentstore/pkg/config"
	"github.com/adammck/extentstore/pkg/gc"
	"github.com/adammck/extentstore/pkg/impl/extentstore/fs"
	"github.com/adammck/extentstore/pkg/impl/extentstore/memory"
	"github.com/adammck/extentstore/pkg/impl/metastore/local"
	mongometa "github.com/adammck/extentstore/pkg/impl/metastore/mongo"
	sqlmeta "github.com/adammck/extentstore/pkg/impl/metastore/sql"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/adammck/extentstore/pkg/metastore"
	sharedmongo "github.com/adammck/extentstore/pkg/shared/mongo"
	"github.com/jonboulle/clockwork"
)

// ErrNoBucket is returned by Backup when no bucket is configured.
var ErrNoBucket = errors.New("no backup bucket configured")

// Store is what both store implementations offer on top of api.ExtentStore.
type Store interface {
	api.ExtentStore
	Init(ctx context.Context) error
	Close(ctx context.Context) error
	Clean() error
}

type ExtentStore struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *slog.Logger
	chunks *memory.ChunkStore

	md    api.MetadataStore
	store Store
}

type Option func(*ExtentStore)

func WithClock(c clockwork.Clock) Option {
	return func(e *ExtentStore) {
		e.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *ExtentStore) {
		e.logger = l
	}
}

// WithChunkStore shares cs between memory stores, so that they draw from one
// budget. Ignored by the fs store.
func WithChunkStore(cs *memory.ChunkStore) Option {
	return func(e *ExtentStore) {
		e.chunks = cs
	}
}

func New(cfg *config.Config, opts ...Option) (*ExtentStore, error) {
	e := &ExtentStore{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
	}

	for _, o := range opts {
		o(e)
	}

	e.logger = logging.OrDiscard(e.logger)

	md, err := e.newMetadata()
	if err != nil {
		return nil, err
	}
	e.md = md

	st, err := e.newStore(md)
	if err != nil {
		return nil, err
	}
	e.store = st

	return e, nil
}

func (e *ExtentStore) newMetadata() (api.MetadataStore, error) {
	mc := e.cfg.Metadata
	logger := e.logger.With("component", "metadata", "backend", mc.Backend)

	switch mc.Backend {
	case config.MetadataLocal:
		opts := []local.Option{local.WithClock(e.clock), local.WithLogger(logger)}
		if mc.AutosaveInterval > 0 {
			opts = append(opts, local.WithAutosave(mc.AutosaveInterval))
		}
		return local.New(mc.Path, opts...), nil

	case config.MetadataSQL:
		return sqlmeta.New(mc.Driver, mc.DSN, sqlmeta.WithClock(e.clock), sqlmeta.WithLogger(logger)), nil

	case config.MetadataMongo:
		client := sharedmongo.NewClient(mc.MongoURL)
		if mc.Database != "" {
			client = client.WithDatabase(mc.Database)
		}
		return mongometa.New(client, mongometa.WithClock(e.clock)), nil
	}

	return nil, fmt.Errorf("unknown metadata backend: %q", mc.Backend)
}

func (e *ExtentStore) newStore(md api.MetadataStore) (Store, error) {
	sc := e.cfg.Store
	logger := e.logger.With("component", "store", "kind", sc.Kind)

	switch sc.Kind {
	case config.StoreFS:
		opts := []fs.Option{fs.WithClock(e.clock), fs.WithLogger(logger)}
		if sc.MaxExtentSize > 0 {
			opts = append(opts, fs.WithMaxExtentSize(sc.MaxExtentSize))
		}
		if sc.ReadConcurrency > 0 {
			opts = append(opts, fs.WithReadConcurrency(sc.ReadConcurrency))
		}
		if sc.FDCacheSize > 0 {
			opts = append(opts, fs.WithFDCacheSize(sc.FDCacheSize))
		}
		return fs.New(md, sc.Destinations, opts...), nil

	case config.StoreMemory:
		cs := e.chunks
		if cs == nil {
			cs = memory.NewChunkStore(sc.MemoryLimit)
		}
		return memory.New(sc.Category, cs, md, memory.WithClock(e.clock), memory.WithLogger(logger)), nil
	}

	return nil, fmt.Errorf("unknown store kind: %q", sc.Kind)
}

func (e *ExtentStore) Init(ctx context.Context) error {
	if err := e.store.Init(ctx); err != nil {
		return fmt.Errorf("store.Init: %w", err)
	}

	e.logger.InfoContext(ctx, "extent store ready",
		"store", e.cfg.Store.Kind, "metadata", e.cfg.Metadata.Backend)

	return nil
}

// Close closes the store, which closes the metadata backend.
func (e *ExtentStore) Close(ctx context.Context) error {
	if err := e.store.Close(ctx); err != nil {
		return fmt.Errorf("store.Close: %w", err)
	}

	return nil
}

func (e *ExtentStore) Store() Store {
	return e.store
}

func (e *ExtentStore) MetadataStore() api.MetadataStore {
	return e.md
}

// Sweeper returns a garbage collector for the store, which keeps everything
// which referred refers to.
func (e *ExtentStore) Sweeper(referred metastore.ReferredExtents, opts ...gc.Option) *gc.Sweeper {
	itOpts := []metastore.Option{metastore.WithClock(e.clock)}
	if e.cfg.GC.ProtectWindow > 0 {
		itOpts = append(itOpts, metastore.WithProtectWindow(e.cfg.GC.ProtectWindow))
	}

	all := func() api.ExtentIterator {
		return metastore.NewAllExtents(e.md, itOpts...)
	}

	base := []gc.Option{
		gc.WithClock(e.clock),
		gc.WithLogger(e.logger.With("component", "gc")),
		gc.WithAllExtents(all),
	}
	if e.cfg.GC.Interval > 0 {
		base = append(base, gc.WithInterval(e.cfg.GC.Interval))
	}

	return gc.New(referred, e.store, append(base, opts...)...)
}

// Backup returns an exporter for the configured bucket, or ErrNoBucket.
func (e *ExtentStore) Backup() (*backup.Backup, error) {
	bc := e.cfg.Backup
	if bc.Bucket == "" {
		return nil, ErrNoBucket
	}

	opts := []backup.Option{backup.WithLogger(e.logger.With("component", "backup"))}
	if bc.Prefix != "" {
		opts = append(opts, backup.WithPrefix(bc.Prefix))
	}
	if bc.Concurrency > 0 {
		opts = append(opts, backup.WithConcurrency(bc.Concurrency))
	}

	return backup.New(bc.Bucket, e.store, opts...), nil
}
