package btreeindex

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"grove.dev/pkg/blocktransport"
	"grove.dev/pkg/graphkey"
	"grove.dev/pkg/jsonconfig"
)

func TestLoadBuildOptionsDefaultsAndOverrides(t *testing.T) {
	opts, err := LoadBuildOptions(jsonconfig.Obj{
		"key_elements": float64(1),
		"ref_lists":    float64(2),
	})
	if err != nil {
		t.Fatalf("LoadBuildOptions: %v", err)
	}
	if opts.KeyElements != 1 || opts.RefLists != 2 {
		t.Fatalf("KeyElements/RefLists = %d/%d, want 1/2", opts.KeyElements, opts.RefLists)
	}
	if opts.SpillAt != 100000 || opts.NodeCacheSize != DefaultNodeCacheSize || opts.OptimizeForSize {
		t.Fatalf("defaults not applied: %+v", opts)
	}

	opts, err = LoadBuildOptions(jsonconfig.Obj{
		"key_elements":      float64(1),
		"ref_lists":         float64(0),
		"spill_at":          float64(50),
		"optimize_for_size": true,
		"node_cache_size":   float64(10),
	})
	if err != nil {
		t.Fatalf("LoadBuildOptions: %v", err)
	}
	if opts.SpillAt != 50 || opts.NodeCacheSize != 10 || !opts.OptimizeForSize {
		t.Fatalf("overrides not applied: %+v", opts)
	}

	if _, err := LoadBuildOptions(jsonconfig.Obj{
		"key_elements": float64(1),
		"ref_lists":    float64(0),
		"bogus_key":    "nope",
	}); err == nil {
		t.Fatal("expected Validate to reject an unknown config key")
	}
}

func rec(k string, refLists int, value string) graphkey.Record {
	r := graphkey.Record{Key: graphkey.Key{k}, Value: graphkey.Value(value)}
	r.Refs = make(graphkey.RefLists, refLists)
	for i := range r.Refs {
		r.Refs[i] = graphkey.RefList{}
	}
	return r
}

func TestBuildFromSortedEmpty(t *testing.T) {
	opts := DefaultBuildOptions(1, 0)
	data, err := BuildFromSorted(opts, nil)
	if err != nil {
		t.Fatalf("BuildFromSorted: %v", err)
	}
	if len(data) != ReservedHeaderBytes {
		t.Fatalf("empty index length = %d, want %d", len(data), ReservedHeaderBytes)
	}
	header, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if header.Len != 0 || len(header.RowLengths) != 0 {
		t.Fatalf("header = %+v, want empty", header)
	}
}

func TestBuildAndReadRoundTripSmall(t *testing.T) {
	opts := DefaultBuildOptions(1, 0)
	var records []graphkey.Record
	for i := 0; i < 5; i++ {
		records = append(records, rec(fmt.Sprintf("key-%02d", i), 0, fmt.Sprintf("value-%02d", i)))
	}
	data, err := BuildFromSorted(opts, records)
	if err != nil {
		t.Fatalf("BuildFromSorted: %v", err)
	}

	transport := blocktransport.NewMemTransport(0)
	if _, err := transport.PutFile(context.Background(), "idx", bytes.NewReader(data)); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	reader := NewReader(transport, "idx", int64(len(data)), opts)

	ctx := context.Background()
	n, err := reader.KeyCount(ctx)
	if err != nil {
		t.Fatalf("KeyCount: %v", err)
	}
	if n != len(records) {
		t.Fatalf("KeyCount = %d, want %d", n, len(records))
	}

	it, err := reader.IterAll(ctx)
	if err != nil {
		t.Fatalf("IterAll: %v", err)
	}
	got, err := graphkey.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if diff := cmp.Diff(records, got); diff != "" {
		t.Fatalf("IterAll round trip mismatch (-want +got):\n%s", diff)
	}

	lookupIter, err := reader.Iter(ctx, []graphkey.Key{{"key-02"}})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	found, err := graphkey.Collect(lookupIter)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(found) != 1 || found[0].Value != "value-02" {
		t.Fatalf("Iter(key-02) = %+v", found)
	}

	if err := reader.Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuildAndReadRoundTripLarge(t *testing.T) {
	opts := DefaultBuildOptions(1, 0)
	var records []graphkey.Record
	for i := 0; i < 400; i++ {
		records = append(records, rec(fmt.Sprintf("key-%04d", i), 0, fmt.Sprintf("value-for-key-number-%04d-with-some-padding-to-bulk-it-out", i)))
	}
	data, err := BuildFromSorted(opts, records)
	if err != nil {
		t.Fatalf("BuildFromSorted: %v", err)
	}

	transport := blocktransport.NewMemTransport(0)
	if _, err := transport.PutFile(context.Background(), "idx", bytes.NewReader(data)); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	reader := NewReader(transport, "idx", int64(len(data)), opts)
	ctx := context.Background()

	header, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if len(header.RowLengths) < 2 {
		t.Fatalf("expected a multi-row tree for 400 records, got row_lengths=%v", header.RowLengths)
	}

	if err := reader.Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	for _, i := range []int{0, 1, 199, 398, 399} {
		key := graphkey.Key{fmt.Sprintf("key-%04d", i)}
		it, err := reader.Iter(ctx, []graphkey.Key{key})
		if err != nil {
			t.Fatalf("Iter(%v): %v", key, err)
		}
		got, err := graphkey.Collect(it)
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("Iter(%v) returned %d records, want 1", key, len(got))
		}
	}

	miss, err := reader.Iter(ctx, []graphkey.Key{{"does-not-exist"}})
	if err != nil {
		t.Fatalf("Iter(miss): %v", err)
	}
	gotMiss, err := graphkey.Collect(miss)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(gotMiss) != 0 {
		t.Fatalf("Iter(miss) = %+v, want empty", gotMiss)
	}
}

func TestBuilderSpillsAndMerges(t *testing.T) {
	opts := DefaultBuildOptions(1, 0)
	opts.SpillAt = 4
	transport := blocktransport.NewMemTransport(0)
	b := NewBuilder(opts, transport, "spill")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := graphkey.Key{fmt.Sprintf("k%02d", i)}
		if err := b.Add(ctx, key, graphkey.Value(fmt.Sprintf("v%02d", i)), graphkey.RefLists{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	n, err := b.KeyCount(ctx)
	if err != nil {
		t.Fatalf("KeyCount: %v", err)
	}
	if n != 10 {
		t.Fatalf("KeyCount = %d, want 10", n)
	}

	if err := b.Add(ctx, graphkey.Key{"k00"}, "dup", graphkey.RefLists{}); err == nil {
		t.Fatal("expected duplicate-key error re-adding k00")
	} else if gkErr, ok := err.(*graphkey.Error); !ok || gkErr.Kind() != graphkey.DuplicateKey {
		t.Fatalf("expected DuplicateKey error, got %v", err)
	}

	data, err := b.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	header, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if header.Len != 10 {
		t.Fatalf("finished index len = %d, want 10", header.Len)
	}
}

func TestBuilderIterPrefix(t *testing.T) {
	opts := DefaultBuildOptions(2, 0)
	transport := blocktransport.NewMemTransport(0)
	b := NewBuilder(opts, transport, "prefix")
	ctx := context.Background()

	add := func(a, b2 string) {
		if err := b.Add(ctx, graphkey.Key{a, b2}, graphkey.Value(a+"/"+b2), graphkey.RefLists{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	add("alpha", "one")
	add("alpha", "two")
	add("bravo", "one")

	it, err := b.IterPrefix(ctx, []graphkey.Key{{"alpha"}})
	if err != nil {
		t.Fatalf("IterPrefix: %v", err)
	}
	got, err := graphkey.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("IterPrefix(alpha) returned %d records, want 2", len(got))
	}
}

// TestExpandToNeighborsLayerEdge reproduces S5 literally: a 100-page layer
// with the root already cached and recommended_pages=6. A single wanted
// offset near the left edge pulls in one page below and four above;
// one near the right edge is truncated symmetrically against the layer's
// own boundary rather than running past it.
func TestExpandToNeighborsLayerEdge(t *testing.T) {
	r := &Reader{
		recommendedPages: 6,
		rowOffsets:       []int{0, 100},
	}
	cached := map[int]bool{0: true}

	if got, want := r.expandToNeighbors([]int{2}, cached, 100), []int{1, 2, 3, 4, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expandToNeighbors(2) = %v, want %v", got, want)
	}
	if got, want := r.expandToNeighbors([]int{98}, cached, 100), []int{94, 95, 96, 97, 98, 99}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expandToNeighbors(98) = %v, want %v", got, want)
	}
}

// TestExpandOffsetsNonEscalation is invariant 9: a request whose offsets
// already number at least recommendedPages is returned unchanged.
func TestExpandOffsetsNonEscalation(t *testing.T) {
	r := &Reader{
		recommendedPages: 3,
		header:           Header{RowLengths: []int{1, 400}},
		rowOffsets:       []int{0, 1, 401},
		root:             &InternalPage{},
	}
	offsets := []int{5, 9, 20}
	got := r.expandOffsets(offsets)
	if !reflect.DeepEqual(got, offsets) {
		t.Fatalf("expandOffsets(%v) = %v, want unchanged", offsets, got)
	}
}

// TestExpandToNeighborsLayerContainment is invariant 10: every offset in
// the expansion output lies within the same row's [first, end) bounds as
// the input offset that seeded the expansion.
func TestExpandToNeighborsLayerContainment(t *testing.T) {
	r := &Reader{
		recommendedPages: 50,
		rowOffsets:       []int{0, 1, 51, 251},
	}
	cached := map[int]bool{0: true}
	input := 120
	first, end := r.findLayerFirstAndEnd(input)

	got := r.expandToNeighbors([]int{input}, cached, 251)
	for _, o := range got {
		if o < first || o >= end {
			t.Fatalf("expandToNeighbors(%d) = %v contains %d outside row bounds [%d,%d)", input, got, o, first, end)
		}
	}
}

func TestMultiBisectRight(t *testing.T) {
	fixed := []graphkey.Key{{"b"}, {"d"}, {"f"}}

	if got := multiBisectRight(nil, fixed); got != nil {
		t.Fatalf("multiBisectRight(empty) = %v, want nil", got)
	}
	if got := multiBisectRight([]graphkey.Key{{"a"}}, nil); len(got) != 1 || got[0].pos != 0 {
		t.Fatalf("multiBisectRight with no fixed keys = %v", got)
	}
	if got := multiBisectRight([]graphkey.Key{{"c"}}, fixed); len(got) != 1 || got[0].pos != 1 {
		t.Fatalf("single-key bisect = %v, want pos=1", got)
	}

	in := []graphkey.Key{{"a"}, {"c"}, {"e"}, {"g"}}
	parts := multiBisectRight(in, fixed)
	wantPos := []int{0, 1, 2, 3}
	if len(parts) != len(wantPos) {
		t.Fatalf("multiBisectRight parts = %+v, want %d parts", parts, len(wantPos))
	}
	for i, p := range parts {
		if p.pos != wantPos[i] || len(p.keys) != 1 || !p.keys[0].Equal(in[i]) {
			t.Fatalf("part %d = %+v, want pos=%d key=%v", i, p, wantPos[i], in[i])
		}
	}
}

// TestIterBatchesPrefetchAcrossLeafPages builds a large enough index to
// span several leaf pages, then exercises a multi-key Iter against a
// transport advertising a wide recommended page size: the prefetch
// expansion should pull more leaf pages into cache than were strictly
// asked for, and a single-key lookup against a narrow recommended page
// size should not (invariant 9, and the S5-style behaviour wired end to
// end rather than only unit-tested in isolation).
func TestIterBatchesPrefetchAcrossLeafPages(t *testing.T) {
	opts := DefaultBuildOptions(1, 0)
	var records []graphkey.Record
	for i := 0; i < 6000; i++ {
		// A hash-like, low-redundancy value keeps zlib from collapsing this
		// fixture down to just one or two compressed pages.
		value := fmt.Sprintf("value-%05d-%08x-%08x", i, i*2654435761, i*40503)
		records = append(records, rec(fmt.Sprintf("key-%05d", i), 0, value))
	}
	data, err := BuildFromSorted(opts, records)
	if err != nil {
		t.Fatalf("BuildFromSorted: %v", err)
	}
	header, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if len(header.RowLengths) < 2 {
		t.Fatalf("expected a multi-row tree, got row_lengths=%v", header.RowLengths)
	}
	ctx := context.Background()

	wideTransport := blocktransport.NewMemTransport(64 * 1024)
	if _, err := wideTransport.PutFile(ctx, "idx", bytes.NewReader(data)); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	wideReader := NewReader(wideTransport, "idx", int64(len(data)), opts)
	wantKeys := []graphkey.Key{{"key-00010"}, {"key-00500"}, {"key-01200"}, {"key-01800"}}
	if _, err := wideReader.Iter(ctx, wantKeys); err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if n := wideReader.leafCache.Len(); n <= len(wantKeys) {
		t.Fatalf("leafCache.Len() = %d after a %d-key lookup with a wide recommended page size, want more than requested (prefetch should have expanded)", n, len(wantKeys))
	}

	narrowTransport := blocktransport.NewMemTransport(0)
	if _, err := narrowTransport.PutFile(ctx, "idx", bytes.NewReader(data)); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	narrowReader := NewReader(narrowTransport, "idx", int64(len(data)), opts)
	if _, err := narrowReader.Iter(ctx, []graphkey.Key{{"key-01000"}}); err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if n := narrowReader.leafCache.Len(); n != 1 {
		t.Fatalf("leafCache.Len() = %d after a single lookup with recommended_pages=1, want exactly 1 (non-escalation)", n)
	}
}
