// Package backup copies extents to and from an S3 bucket. Each extent becomes
// one object, keyed by its location and id. Credentials and the endpoint come
// from the usual AWS environment variables.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/adammck/extentstore/pkg/api"
	"github.com/adammck/extentstore/pkg/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 8

type Backup struct {
	bucket      string
	prefix      string
	store       api.ExtentStore
	concurrency int
	logger      *slog.Logger

	mu sync.Mutex
	s3 *s3.Client
}

type Option func(*Backup)

// WithPrefix puts every object under the given key prefix.
func WithPrefix(p string) Option {
	return func(b *Backup) {
		b.prefix = p
	}
}

func WithConcurrency(n int) Option {
	return func(b *Backup) {
		b.concurrency = max(n, 1)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Backup) {
		b.logger = l
	}
}

func New(bucket string, store api.ExtentStore, opts ...Option) *Backup {
	b := &Backup{
		bucket:      bucket,
		store:       store,
		concurrency: DefaultConcurrency,
	}

	for _, o := range opts {
		o(b)
	}

	b.logger = logging.OrDiscard(b.logger)
	return b
}

// Key returns the object key which the given extent is exported to.
func (b *Backup) Key(e *api.Extent) string {
	return path.Join(b.prefix, e.LocationID, e.ID)
}

func (b *Backup) Ping(ctx context.Context) error {
	_, err := b.getS3(ctx)
	return err
}

// Export uploads every extent in the store, including ones which are still
// being appended to, and returns the keys written.
func (b *Backup) Export(ctx context.Context) ([]string, error) {
	s3c, err := b.getS3(ctx)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	var mu sync.Mutex
	var keys []string

	md := b.store.MetadataStore()
	var marker api.Marker

	for {
		page, next, err := md.ListExtents(ctx, api.ListOptions{Marker: marker})
		if err != nil {
			// let in-flight uploads finish before returning.
			g.Wait()
			return nil, fmt.Errorf("ListExtents: %w", err)
		}

		for _, e := range page {
			e := e
			g.Go(func() error {
				key := b.Key(e)
				if err := b.put(ctx, s3c, e, key); err != nil {
					return fmt.Errorf("export %s: %w", e.ID, err)
				}

				mu.Lock()
				keys = append(keys, key)
				mu.Unlock()
				return nil
			})
		}

		if next == "" {
			break
		}
		marker = next
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.InfoContext(ctx, "exported extents", "bucket", b.bucket, "count", len(keys))
	return keys, nil
}

// put spools the extent to a temp file, so the upload has a seekable body of
// known length.
func (b *Backup) put(ctx context.Context, s3c *s3.Client, e *api.Extent, key string) error {
	rc, err := b.store.Read(ctx, api.Chunk{ID: e.ID, Offset: 0, Count: e.Size})
	if err != nil {
		return fmt.Errorf("Read: %w", err)
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "extent-*")
	if err != nil {
		return fmt.Errorf("CreateTemp: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	n, err := io.Copy(f, rc)
	if err != nil {
		return fmt.Errorf("Copy: %w", err)
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("Seek: %w", err)
	}

	_, err = s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &b.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// List returns the keys of every object under the prefix.
func (b *Backup) List(ctx context.Context) ([]string, error) {
	s3c, err := b.getS3(ctx)
	if err != nil {
		return nil, err
	}

	in := &s3.ListObjectsV2Input{Bucket: &b.bucket}
	if b.prefix != "" {
		in.Prefix = aws.String(b.prefix + "/")
	}

	var keys []string
	p := s3.NewListObjectsV2Paginator(s3c, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListObjectsV2: %w", err)
		}

		for _, o := range out.Contents {
			keys = append(keys, aws.ToString(o.Key))
		}
	}

	return keys, nil
}

// Import appends the contents of each object to the store. The returned map
// is keyed by the old extent id (the last element of the key), since the
// store assigns new ones.
func (b *Backup) Import(ctx context.Context, keys []string) (map[string]api.Chunk, error) {
	s3c, err := b.getS3(ctx)
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	var mu sync.Mutex
	out := make(map[string]api.Chunk, len(keys))

	for _, key := range keys {
		key := key
		g.Go(func() error {
			obj, err := s3c.GetObject(ctx, &s3.GetObjectInput{
				Bucket: &b.bucket,
				Key:    &key,
			})
			if err != nil {
				return fmt.Errorf("GetObject(%s): %w", key, err)
			}
			defer obj.Body.Close()

			c, err := b.store.Append(ctx, obj.Body)
			if err != nil {
				return fmt.Errorf("import %s: %w", key, err)
			}

			mu.Lock()
			out[path.Base(key)] = c
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.InfoContext(ctx, "imported extents", "bucket", b.bucket, "count", len(out))
	return out, nil
}

func (b *Backup) getS3(ctx context.Context) (*s3.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.s3 != nil {
		return b.s3, nil
	}

	s, err := connectToS3(ctx)
	if err != nil {
		return nil, err
	}

	b.s3 = s
	return s, nil
}

func connectToS3(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadDefaultConfig: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}
