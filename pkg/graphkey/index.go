package graphkey

import "context"

// Index is the shared query surface implemented by both an in-progress
// builder (over its in-memory set and spilled backings) and a finished
// on-disk reader (B+Tree or flat). Per the duck-typing design note, both
// sides implement this directly rather than sharing a base type.
type Index interface {
	// IterAll yields every record in key order.
	IterAll(ctx context.Context) (RecordIter, error)
	// Iter yields records whose key appears in keys, each at most once, in
	// no particular order.
	Iter(ctx context.Context, keys []Key) (RecordIter, error)
	// IterPrefix is like Iter but each entry in prefixes names only the
	// leading elements of a key; the remaining (suffix) elements are
	// wildcarded.
	IterPrefix(ctx context.Context, prefixes []Key) (RecordIter, error)
	// KeyCount returns the number of records. It is exact for a single
	// index; combinedindex.Index sums its children's counts, so a key
	// held by several children is counted once per child.
	KeyCount(ctx context.Context) (int, error)
	// Validate walks the whole index checking internal structural
	// consistency, surfacing a BadData error on the first problem found.
	Validate(ctx context.Context) error
}

// RecordIter is a pull iterator over records, modeled after the teacher's
// blob.ChanPeeker-backed channel iteration style but expressed directly as
// a Next/Record/Err/Close surface so callers don't need a goroutine to
// consume it.
type RecordIter interface {
	// Next advances to the next record, returning false at end of
	// iteration or on error (check Err to distinguish).
	Next() bool
	// Record returns the current record. Valid only after a Next call
	// that returned true.
	Record() Record
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases any resources held by the iterator.
	Close() error
}

// SliceIter adapts a pre-materialised []Record to the RecordIter
// interface, used by in-memory and small-result paths (e.g.
// IterPrefix's "materialise everything and filter" strategy, §4.4.7).
type SliceIter struct {
	records []Record
	pos     int
}

// NewSliceIter returns a RecordIter over records.
func NewSliceIter(records []Record) *SliceIter {
	return &SliceIter{records: records, pos: -1}
}

func (s *SliceIter) Next() bool {
	s.pos++
	return s.pos < len(s.records)
}

func (s *SliceIter) Record() Record {
	return s.records[s.pos]
}

func (s *SliceIter) Err() error   { return nil }
func (s *SliceIter) Close() error { return nil }

// Collect drains it, returning every record in iteration order.
func Collect(it RecordIter) ([]Record, error) {
	defer it.Close()
	var out []Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}
