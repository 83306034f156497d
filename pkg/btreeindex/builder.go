package btreeindex

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"grove.dev/pkg/blocktransport"
	"grove.dev/pkg/chunkwriter"
	"grove.dev/pkg/graphkey"
	"grove.dev/pkg/jsonconfig"
)

// BuildOptions configures both the streaming build and the mutating
// builder (§6.4).
type BuildOptions struct {
	KeyElements     int
	RefLists        int
	SpillAt         int
	OptimizeForSize bool
	NodeCacheSize   int
	Logger          *zap.Logger
}

// DefaultBuildOptions returns the §6.4 defaults, overriding KeyElements
// and RefLists (which have no sensible default) with the given values.
func DefaultBuildOptions(keyElements, refLists int) BuildOptions {
	return BuildOptions{
		KeyElements:   keyElements,
		RefLists:      refLists,
		SpillAt:       100000,
		NodeCacheSize: DefaultNodeCacheSize,
		Logger:        zap.NewNop(),
	}
}

func (o BuildOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// LoadBuildOptions reads BuildOptions out of a jsonconfig.Obj the way the
// teacher's storage backends read their own config blocks: required
// fields first, then OptionalInt/OptionalBool with the §6.4 defaults,
// followed by o.Validate() to reject any key this function never asked
// for. key_elements and ref_lists are the only required keys; every other
// key is optional.
func LoadBuildOptions(o jsonconfig.Obj) (BuildOptions, error) {
	opts := BuildOptions{
		KeyElements:     o.RequiredInt("key_elements"),
		RefLists:        o.RequiredInt("ref_lists"),
		SpillAt:         o.OptionalInt("spill_at", 100000),
		OptimizeForSize: o.OptionalBool("optimize_for_size", false),
		NodeCacheSize:   o.OptionalInt("node_cache_size", DefaultNodeCacheSize),
		Logger:          zap.NewNop(),
	}
	if err := o.Validate(); err != nil {
		return BuildOptions{}, err
	}
	return opts, nil
}

// buildRow is the stored state accumulated while writing out one row
// (tree level) of the B+Tree, grounded directly on bzrlib's _BuilderRow /
// _InternalBuilderRow / _LeafBuilderRow.
type buildRow struct {
	isLeaf bool
	nodes  int
	spool  bytes.Buffer
	writer *chunkwriter.Writer

	// firstPageReduced records whether this row's first page was opened
	// with the root's narrowed PageSize-ReservedHeaderBytes budget
	// (set when the row is rows[0], the root, at the moment its first
	// page is opened, and kept if a later root insertion demotes it).
	// Only such rows' spools carry the header shim below.
	firstPageReduced bool
}

func (r *buildRow) finishNode(pad bool) error {
	body, padding, err := r.writer.Finish(pad)
	if err != nil {
		return err
	}
	if r.nodes == 0 && r.firstPageReduced {
		r.spool.Write(make([]byte, ReservedHeaderBytes))
	}
	r.spool.Write(body)
	if pad {
		r.spool.Write(make([]byte, padding))
	}
	r.nodes++
	r.writer = nil
	return nil
}

// BuildFromSorted writes records (already sorted, strictly ascending,
// unique keys) as a complete B+Tree index file and returns its bytes.
// This is component C3's build-from-sorted-stream path (§4.3.1).
func BuildFromSorted(opts BuildOptions, records []graphkey.Record) ([]byte, error) {
	var rows []*buildRow
	keyCount := 0

	addKey := func(key graphkey.Key, line string) error {
		for {
			leaf := rows[len(rows)-1]
			if leaf.writer == nil {
				for pos := 0; pos < len(rows)-1; pos++ {
					ir := rows[pos]
					if ir.writer != nil {
						continue
					}
					length := PageSize
					reduced := pos == 0 && ir.nodes == 0
					if reduced {
						length -= ReservedHeaderBytes
					}
					ir.firstPageReduced = ir.firstPageReduced || reduced
					ir.writer = chunkwriter.New(length, 0, opts.OptimizeForSize)
					if _, err := ir.writer.Write(internalTypeLinePrefix); err != nil {
						return err
					}
					if _, err := ir.writer.Write(fmt.Sprintf("offset=%d\n", rows[pos+1].nodes)); err != nil {
						return err
					}
				}
				length := PageSize
				leafReduced := len(rows) == 1 && leaf.nodes == 0
				if leafReduced {
					length -= ReservedHeaderBytes
				}
				leaf.firstPageReduced = leaf.firstPageReduced || leafReduced
				leaf.writer = chunkwriter.New(length, 0, opts.OptimizeForSize)
				if _, err := leaf.writer.Write(leafTypeLine); err != nil {
					return err
				}
			}

			overflow, err := leaf.writer.Write(line)
			if err != nil {
				return err
			}
			if !overflow {
				return nil
			}

			if err := leaf.finishNode(true); err != nil {
				return err
			}

			keyLine := key.String() + "\n"
			newRowNeeded := true
			for pos := len(rows) - 2; pos >= 0; pos-- {
				row := rows[pos]
				ov, err := row.writer.Write(keyLine)
				if err != nil {
					return err
				}
				if ov {
					if err := row.finishNode(true); err != nil {
						return err
					}
					continue
				}
				newRowNeeded = false
				break
			}
			if newRowNeeded {
				oldRoot := rows[0]
				newRow := &buildRow{firstPageReduced: true}
				newRow.writer = chunkwriter.New(PageSize-ReservedHeaderBytes, 0, opts.OptimizeForSize)
				if _, err := newRow.writer.Write(internalTypeLinePrefix); err != nil {
					return err
				}
				if _, err := newRow.writer.Write(fmt.Sprintf("offset=%d\n", oldRoot.nodes-1)); err != nil {
					return err
				}
				if _, err := newRow.writer.Write(keyLine); err != nil {
					return err
				}
				rows = append([]*buildRow{newRow}, rows...)
				opts.logger().Debug("inserted new root row", zap.Int("depth", len(rows)))
			}
			// retry adding the record that didn't fit, now that rows has
			// been reopened/grown as needed.
		}
	}

	for _, rec := range records {
		if keyCount == 0 {
			rows = append(rows, &buildRow{isLeaf: true})
		}
		keyCount++
		if err := addKey(rec.Key, rec.LeafLine()); err != nil {
			return nil, err
		}
	}

	rowLengths := make([]int, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		pad := !rows[i].isLeaf
		if err := rows[i].finishNode(pad); err != nil {
			return nil, err
		}
	}
	for i, row := range rows {
		rowLengths[i] = row.nodes
	}

	header := Header{
		RefLists:    opts.RefLists,
		KeyElements: opts.KeyElements,
		Len:         keyCount,
		RowLengths:  rowLengths,
	}
	headerBytes, err := header.Encode()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(headerBytes)
	for i, row := range rows {
		spool := row.spool.Bytes()
		if !row.firstPageReduced {
			// Full-width rows: every node was written to a full
			// PageSize budget, so the spool already holds complete
			// pages back to back with no header shim to strip.
			out.Write(spool)
			continue
		}
		// A row whose first page was written while it was the root: the
		// spool carries a ReservedHeaderBytes shim ahead of that page's
		// body to keep this slice arithmetic aligned to PageSize chunks.
		firstPage := spool
		var rest []byte
		if len(spool) > PageSize {
			firstPage = spool[:PageSize]
			rest = spool[PageSize:]
		}
		out.Write(firstPage[ReservedHeaderBytes:])
		if i > 0 && len(firstPage) == PageSize {
			// A demoted former root: the file header does not precede
			// this page, so the shim's bytes go after its body instead,
			// keeping every later page at a PageSize boundary.
			out.Write(make([]byte, ReservedHeaderBytes))
		}
		out.Write(rest)
	}
	return out.Bytes(), nil
}

// Builder is the mutating builder (§4.3.2/§4.3.3): records are added one
// at a time in any order, accumulated in memory, and spilled to disk
// sub-indices (via Transport) once the in-memory key count reaches
// SpillAt, using the power-of-two scheme.
type Builder struct {
	opts      BuildOptions
	transport blocktransport.Transport
	dir       string // directory under which spill files are named

	memory      map[string]graphkey.Record
	keysInOrder []string // unused; memory's keys are sorted on each iteration instead

	backing     []*Reader // nil entries are the "None" slots
	nodesByKey  map[string]*graphkey.Record
	spillCount  int
}

// NewBuilder returns an empty mutating Builder. transport is used to
// store spilled sub-indices; names are synthesized as
// fmt.Sprintf("%s/spill-%03d", dir, n).
func NewBuilder(opts BuildOptions, transport blocktransport.Transport, dir string) *Builder {
	if opts.SpillAt <= 0 {
		opts.SpillAt = 100000
	}
	return &Builder{
		opts:      opts,
		transport: transport,
		dir:       dir,
		memory:    make(map[string]graphkey.Record),
	}
}

// Add validates and inserts (key, value, refs), rejecting duplicates and
// triggering a spill if the configured threshold is reached.
func (b *Builder) Add(ctx context.Context, key graphkey.Key, value graphkey.Value, refs graphkey.RefLists) error {
	rec := graphkey.Record{Key: key.Clone(), Value: value, Refs: refs.Clone()}
	if err := rec.ValidateShape(b.opts.KeyElements, b.opts.RefLists); err != nil {
		return err
	}
	ks := key.String()
	if _, exists := b.memory[ks]; exists {
		return graphkey.New(graphkey.DuplicateKey, ks, "key already present in builder")
	}
	for _, r := range b.backing {
		if r == nil {
			continue
		}
		if found, err := r.lookupOne(ctx, key); err == nil && found {
			return graphkey.New(graphkey.DuplicateKey, ks, "key already present in a backing index")
		}
	}
	b.memory[ks] = rec
	b.nodesByKey = nil
	if len(b.memory) >= b.opts.SpillAt {
		return b.spill(ctx)
	}
	return nil
}

// spill implements §4.3.2's power-of-two scheme.
func (b *Builder) spill(ctx context.Context) error {
	pos := -1
	for i, backing := range b.backing {
		if backing == nil {
			pos = i - 1
			break
		}
		pos = i
	}
	backingPos := pos + 1

	sources := []graphkey.RecordIter{graphkey.NewSliceIter(b.memoryRecordsSorted())}
	for i := 0; i < backingPos; i++ {
		it, err := b.backing[i].IterAll(ctx)
		if err != nil {
			return err
		}
		sources = append(sources, it)
	}
	merged := graphkey.MergeSources(sources, nil)
	records, err := graphkey.Collect(merged)
	if err != nil {
		return err
	}

	data, err := BuildFromSorted(b.opts, records)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s/spill-%03d", b.dir, b.spillCount)
	b.spillCount++
	if _, err := b.transport.PutFile(ctx, name, bytes.NewReader(data)); err != nil {
		return err
	}
	reader := NewReader(b.transport, name, int64(len(data)), b.opts)

	if len(b.backing) == backingPos {
		b.backing = append(b.backing, nil)
	}
	b.backing[backingPos] = reader
	for i := 0; i < backingPos; i++ {
		b.backing[i] = nil
	}
	b.memory = make(map[string]graphkey.Record)
	b.nodesByKey = nil
	b.opts.logger().Debug("spilled builder", zap.Int("backing_slot", backingPos), zap.Int("records", len(records)))
	return nil
}

func (b *Builder) memoryRecordsSorted() []graphkey.Record {
	keys := make([]string, 0, len(b.memory))
	for k := range b.memory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]graphkey.Record, len(keys))
	for i, k := range keys {
		out[i] = b.memory[k]
	}
	return out
}

// Backing returns the current backing-index slot slice, primarily for
// tests exercising the spill-accounting invariant (§8.1.7).
func (b *Builder) Backing() []*Reader { return b.backing }

func (b *Builder) sources(ctx context.Context) ([]graphkey.RecordIter, error) {
	sources := []graphkey.RecordIter{graphkey.NewSliceIter(b.memoryRecordsSorted())}
	for _, backing := range b.backing {
		if backing == nil {
			continue
		}
		it, err := backing.IterAll(ctx)
		if err != nil {
			return nil, err
		}
		sources = append(sources, it)
	}
	return sources, nil
}

// IterAll yields all records in key order, merging memory and backings.
func (b *Builder) IterAll(ctx context.Context) (graphkey.RecordIter, error) {
	sources, err := b.sources(ctx)
	if err != nil {
		return nil, err
	}
	return graphkey.MergeSources(sources, nil), nil
}

// Iter yields records whose key appears in keys.
func (b *Builder) Iter(ctx context.Context, keys []graphkey.Key) (graphkey.RecordIter, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k.String()] = true
	}
	all, err := b.IterAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []graphkey.Record
	for all.Next() {
		r := all.Record()
		if want[r.Key.String()] {
			out = append(out, r)
		}
	}
	if err := all.Err(); err != nil {
		return nil, err
	}
	return graphkey.NewSliceIter(out), nil
}

// IterPrefix yields records whose key has one of prefixes as its leading
// elements (§4.3.3). It rebuilds the lazily-invalidated nodesByKey index
// on demand (§9's open-question resolution: invalidate wholesale on
// spill, rebuild on demand, no incremental maintenance).
func (b *Builder) IterPrefix(ctx context.Context, prefixes []graphkey.Key) (graphkey.RecordIter, error) {
	if b.nodesByKey == nil {
		if err := b.buildNodesByKey(ctx); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]bool)
	var out []graphkey.Record
	for _, prefix := range prefixes {
		for ks, rec := range b.nodesByKey {
			if seen[ks] {
				continue
			}
			if hasKeyPrefix(rec.Key, prefix) {
				out = append(out, *rec)
				seen[ks] = true
			}
		}
	}
	return graphkey.NewSliceIter(out), nil
}

func hasKeyPrefix(key, prefix graphkey.Key) bool {
	if len(prefix) > len(key) {
		return false
	}
	for i, p := range prefix {
		if key[i] != p {
			return false
		}
	}
	return true
}

func (b *Builder) buildNodesByKey(ctx context.Context) error {
	all, err := b.IterAll(ctx)
	if err != nil {
		return err
	}
	records, err := graphkey.Collect(all)
	if err != nil {
		return err
	}
	idx := make(map[string]*graphkey.Record, len(records))
	for i := range records {
		idx[records[i].Key.String()] = &records[i]
	}
	b.nodesByKey = idx
	return nil
}

// KeyCount returns the exact total record count across memory and all
// backing indices.
func (b *Builder) KeyCount(ctx context.Context) (int, error) {
	count := len(b.memory)
	for _, backing := range b.backing {
		if backing == nil {
			continue
		}
		n, err := backing.KeyCount(ctx)
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

// Validate is a no-op for the in-memory builder (§4.3.3).
func (b *Builder) Validate(ctx context.Context) error { return nil }

// Finish merges any remaining memory and backings into a single final
// on-disk B+Tree file and returns its bytes.
func (b *Builder) Finish(ctx context.Context) ([]byte, error) {
	all, err := b.IterAll(ctx)
	if err != nil {
		return nil, err
	}
	records, err := graphkey.Collect(all)
	if err != nil {
		return nil, err
	}
	return BuildFromSorted(b.opts, records)
}

var _ graphkey.Index = (*Builder)(nil)
