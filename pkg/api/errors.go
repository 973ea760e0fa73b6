package api

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by stores which are used before Init or after Close.
var ErrClosed = errors.New("closed")

// ErrNotClosed is returned from Clean when the store is still open.
var ErrNotClosed = errors.New("not closed")

// NotFound is returned when an extent id is unknown to the metadata store, or
// to the memory store.
type NotFound struct {
	ID string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("extent not found: %s", e.ID)
}

func (e *NotFound) Is(err error) bool {
	_, ok := err.(*NotFound)
	return ok
}

// RangeError is returned when a multi-chunk read asks for more bytes than the
// chunks add up to. This usually means the catalog is inconsistent, which is
// not the same thing as a missing extent.
type RangeError struct {
	Offset    int64
	Count     int64
	Available int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("not enough payload data: total length of payloads is %d, while required offset is %d and count is %d",
		e.Available, e.Offset, e.Count)
}

func (e *RangeError) Is(err error) bool {
	_, ok := err.(*RangeError)
	return ok
}

// CapacityExceeded is returned by the memory store when admitting a payload
// would take it over its byte budget. Nothing is mutated in that case.
type CapacityExceeded struct {
	Requested int64
	Used      int64
	Limit     int64
}

func (e *CapacityExceeded) Error() string {
	return fmt.Sprintf("cannot add %d bytes: %d of %d bytes in use", e.Requested, e.Used, e.Limit)
}

func (e *CapacityExceeded) Is(err error) bool {
	_, ok := err.(*CapacityExceeded)
	return ok
}
