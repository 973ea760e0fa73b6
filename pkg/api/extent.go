// This package contains only types and interfaces shared by the extent
// stores, the metadata backends, and their consumers. Implementations live in
// pkg/impl/whatever. To avoid circular deps, this package should import
// nothing from pkg.
package api

import (
	"fmt"
	"time"
)

// ZeroExtentID is a reserved extent id. A chunk carrying it stands for Count
// zero bytes (e.g. an unallocated page blob range) and never maps to storage.
const ZeroExtentID = "*ZERO*"

// Extent is one append-only segment of bytes. Size only ever grows for a
// given ID, and is only updated once the bytes are durable.
type Extent struct {
	ID         string `bson:"_id"`
	LocationID string `bson:"location_id"`

	// Path is relative to the destination root. It's the same as ID for
	// everything we write, but older records may differ.
	Path string `bson:"path"`

	Size             int64 `bson:"size"`
	LastModifiedInMS int64 `bson:"last_modified_in_ms"`
}

// LastModified returns LastModifiedInMS as a time.
func (e *Extent) LastModified() time.Time {
	return time.UnixMilli(e.LastModifiedInMS)
}

// Chunk is a handle to a sub-range of one extent. This is what the catalog
// above us persists; it should be considered opaque by anyone but the store.
type Chunk struct {
	ID     string `bson:"id" json:"id"`
	Offset int64  `bson:"offset" json:"offset"`
	Count  int64  `bson:"count" json:"count"`
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s[%d:%d]", c.ID, c.Offset, c.Offset+c.Count)
}

// End returns the exclusive end offset of the chunk within its extent.
func (c Chunk) End() int64 {
	return c.Offset + c.Count
}

// Destination is a storage root which extents are appended to. The memory
// store ignores Path.
type Destination struct {
	LocationID     string `yaml:"locationId"`
	Path           string `yaml:"path"`
	MaxConcurrency int    `yaml:"maxConcurrency"`
}
