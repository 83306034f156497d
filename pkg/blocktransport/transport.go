// Package blocktransport implements the external transport contract the
// index packages consume: get_bytes/get/readv/put_file/recommended_page_size
// against a named-object store, plus two concrete backends (disk and
// in-memory) and a scoped temporary-file helper for the builder's spill
// path.
package blocktransport

import (
	"context"
	"io"
)

// Chunk is one (offset, bytes) result of a Readv call.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Transport is the sole external collaborator the index packages depend
// on. All methods are synchronous; ctx is honored for cancellation but the
// core never issues more than one outstanding request at a time (§5).
type Transport interface {
	// GetBytes reads the entire named object into memory.
	GetBytes(ctx context.Context, name string) ([]byte, error)
	// Get opens the named object as a stream. The caller must Close it.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// Readv performs a vectored partial read: for each requested
	// (offset, length) range, a Chunk is sent on the returned channel.
	// Chunks may arrive in any order, and the implementation may coalesce
	// adjacent or overlapping ranges into fewer underlying reads.
	Readv(ctx context.Context, name string, ranges []Range) (<-chan Chunk, error)
	// PutFile stores the entirety of r under name, returning the number
	// of bytes written.
	PutFile(ctx context.Context, name string, r io.Reader) (int64, error)
	// RecommendedPageSize hints the read batch size, in bytes, this
	// transport handles most efficiently.
	RecommendedPageSize() int
}

// Range is a byte range request: Length bytes starting at Offset.
type Range struct {
	Offset int64
	Length int64
}
