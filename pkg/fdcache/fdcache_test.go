package fdcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	name string
	log  *closeLog
}

func (h *fakeHandle) Close() error {
	h.log.add(h.name)
	return nil
}

type closeLog struct {
	mu     sync.Mutex
	closed []string
}

func (l *closeLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, name)
}

func (l *closeLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.closed...)
}

func setup(size int) (*Cache, *closeLog) {
	return New(size), &closeLog{}
}

func TestEvictsFirstInserted(t *testing.T) {
	c, log := setup(3)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("e%d", i)
		c.Insert(id, &fakeHandle{name: id, log: log})
	}
	assert.Empty(t, log.get())

	c.Insert("e3", &fakeHandle{name: "e3", log: log})
	assert.Equal(t, []string{"e0"}, log.get())
	assert.Equal(t, 3, c.Len())

	_, ok := c.Get("e0")
	assert.False(t, ok)
	h, ok := c.Get("e3")
	require.True(t, ok)
	assert.Equal(t, "e3", h.(*fakeHandle).name)
}

func TestGetDoesNotPromote(t *testing.T) {
	c, log := setup(2)
	c.Insert("a", &fakeHandle{name: "a", log: log})
	c.Insert("b", &fakeHandle{name: "b", log: log})

	// an LRU would now evict b; insertion order still evicts a.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Insert("c", &fakeHandle{name: "c", log: log})
	assert.Equal(t, []string{"a"}, log.get())
}

func TestReinsertClosesOldHandle(t *testing.T) {
	c, log := setup(2)
	a1 := &fakeHandle{name: "a1", log: log}
	c.Insert("a", a1)

	// same handle again is a no-op.
	c.Insert("a", a1)
	assert.Empty(t, log.get())

	c.Insert("a", &fakeHandle{name: "a2", log: log})
	assert.Equal(t, []string{"a1"}, log.get())
	assert.Equal(t, 1, c.Len())
}

func TestRemove(t *testing.T) {
	c, log := setup(2)
	c.Insert("a", &fakeHandle{name: "a", log: log})

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, []string{"a"}, log.get())
}

func TestClear(t *testing.T) {
	c, log := setup(5)
	c.Insert("a", &fakeHandle{name: "a", log: log})
	c.Insert("b", &fakeHandle{name: "b", log: log})

	c.Clear()
	assert.ElementsMatch(t, []string{"a", "b"}, log.get())
	assert.Equal(t, 0, c.Len())
}

func TestSizeBounds(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultSize},
		{-1, DefaultSize},
		{1, 1},
		{100, 100},
		{101, DefaultSize},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, New(tt.in).Size(), "New(%d)", tt.in)
	}
}
