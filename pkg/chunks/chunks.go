// Package chunks holds the window arithmetic and stream plumbing shared by the
// extent stores.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/adammck/extentstore/pkg/api"
)

// Window maps a window [offset, offset+count) of the logical concatenation of
// chunks onto the sub-chunks which cover it, in order. A negative count means
// "to the end of the last chunk". Chunks entirely outside of the window are
// skipped.
//
// If the chunks add up to fewer bytes than the window needs, a RangeError is
// returned.
func Window(chunks []api.Chunk, offset, count int64) ([]api.Chunk, error) {
	if offset < 0 {
		return nil, &api.RangeError{Offset: offset, Count: count, Available: Total(chunks)}
	}

	if count == 0 {
		return nil, nil
	}

	if count > 0 && offset > math.MaxInt64-count {
		return nil, &api.RangeError{Offset: offset, Count: count, Available: Total(chunks)}
	}

	start := offset
	end := offset + count
	unbounded := count < 0

	var out []api.Chunk
	var acc int64 // offset of the current chunk in the logical stream

	for _, c := range chunks {
		if c.Count == 0 {
			continue
		}

		next := acc + c.Count

		if next <= start {
			acc = next
			continue
		}

		if !unbounded && end <= acc {
			break
		}

		cs := c.Offset
		ce := c.Offset + c.Count

		if start > acc {
			cs += start - acc
		}

		if !unbounded && end <= next {
			ce -= next - end
		}

		out = append(out, api.Chunk{
			ID:     c.ID,
			Offset: cs,
			Count:  ce - cs,
		})
		acc = next
	}

	if unbounded {
		if acc < start {
			return nil, &api.RangeError{Offset: offset, Count: count, Available: acc}
		}
		return out, nil
	}

	if acc < end {
		return nil, &api.RangeError{Offset: offset, Count: count, Available: acc}
	}

	return out, nil
}

// ReadFunc reads a single chunk. Both extent stores have one.
type ReadFunc func(ctx context.Context, chunk api.Chunk) (io.ReadCloser, error)

// ReadMany windows chunks (see Window) and returns one reader over the
// result, reading each sub-chunk with read. If any read fails, the readers
// opened so far are closed.
func ReadMany(ctx context.Context, read ReadFunc, cs []api.Chunk, offset, count int64) (io.ReadCloser, error) {
	if count == 0 {
		return Empty(), nil
	}

	win, err := Window(cs, offset, count)
	if err != nil {
		return nil, err
	}

	rcs := make([]io.ReadCloser, 0, len(win))
	for _, c := range win {
		rc, err := read(ctx, c)
		if err != nil {
			CloseAll(rcs)
			return nil, fmt.Errorf("read %s: %w", c, err)
		}
		rcs = append(rcs, rc)
	}

	return Concat(rcs...), nil
}

// Total returns the sum of the chunk counts.
func Total(chunks []api.Chunk) int64 {
	var n int64
	for _, c := range chunks {
		n += c.Count
	}
	return n
}

// Empty returns a reader with nothing in it.
func Empty() io.ReadCloser {
	return io.NopCloser(eofReader{})
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) {
	return 0, io.EOF
}

// Zeros returns a reader producing n zero bytes.
func Zeros(n int64) io.ReadCloser {
	return io.NopCloser(io.LimitReader(zeroReader{}, n))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// Concat returns a reader which reads each of rcs in turn, and closes all of
// them when it's closed.
func Concat(rcs ...io.ReadCloser) io.ReadCloser {
	switch len(rcs) {
	case 0:
		return Empty()
	case 1:
		return rcs[0]
	}

	readers := make([]io.Reader, len(rcs))
	for i, rc := range rcs {
		readers[i] = rc
	}

	return &multiReadCloser{
		Reader:  io.MultiReader(readers...),
		closers: rcs,
	}
}

type multiReadCloser struct {
	io.Reader
	closers []io.ReadCloser
}

func (m *multiReadCloser) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every reader, ignoring errors. It's for cleaning up when a
// multi-chunk read fails part way through.
func CloseAll(rcs []io.ReadCloser) {
	for _, rc := range rcs {
		rc.Close()
	}
}
