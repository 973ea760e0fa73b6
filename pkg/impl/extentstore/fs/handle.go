package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/adammck/extentstore/pkg/opqueue"
)

// handle is an append fd shared between the fd cache and the appender using
// it. The cache may evict (Close) it at any time, but the file is only really
// closed once the appender is done with it too.
type handle struct {
	f *os.File

	mu      sync.Mutex
	refs    int
	evicted bool
}

func newHandle(f *os.File) *handle {
	return &handle{f: f}
}

// acquire adds a reference, unless the handle has already been evicted.
func (h *handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.evicted {
		return false
	}

	h.refs++
	return true
}

func (h *handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refs--
	if h.refs == 0 && h.evicted {
		h.f.Close()
	}
}

// Close is called by the fd cache.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.evicted {
		return nil
	}

	h.evicted = true
	if h.refs == 0 {
		return h.f.Close()
	}

	return nil
}

// lazyReader reads [offset, offset+count) of a file, but doesn't open it until
// the first Read, and closes it as soon as the range is exhausted. A ReadMany
// over many chunks therefore holds at most one of them open at a time. Opens
// go through the read queue.
type lazyReader struct {
	ctx    context.Context
	q      *opqueue.Queue
	path   string
	offset int64
	count  int64

	f    *os.File
	r    io.Reader
	read int64
	done bool
}

func newLazyReader(ctx context.Context, q *opqueue.Queue, path string, offset, count int64) *lazyReader {
	return &lazyReader{
		ctx:    ctx,
		q:      q,
		path:   path,
		offset: offset,
		count:  count,
	}
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.done {
		return 0, io.EOF
	}

	if l.f == nil {
		err := l.q.Operate(l.ctx, func() error {
			f, err := os.Open(l.path)
			if err != nil {
				return err
			}
			l.f = f
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("open extent: %w", err)
		}

		l.r = io.NewSectionReader(l.f, l.offset, l.count)
	}

	n, err := l.r.Read(p)
	l.read += int64(n)

	if err == io.EOF {
		l.closeFile()
		l.done = true

		// the file is shorter than the chunk says it should be.
		if l.read < l.count {
			return n, io.ErrUnexpectedEOF
		}
	}

	return n, err
}

func (l *lazyReader) closeFile() {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
}

func (l *lazyReader) Close() error {
	l.done = true
	l.closeFile()
	return nil
}
