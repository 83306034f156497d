package flatindex

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"

	"grove.dev/pkg/blocktransport"
	"grove.dev/pkg/graphkey"
)

// probeWindow is the default readv window size used when bisecting for a
// single key, per §4.5.
const probeWindow = 800

// bufferAllThreshold mirrors btreeindex's 50%-of-file heuristic.
const bufferAllThreshold = 0.5

// byteRange is a half-open [Start, End) span of the file that has been
// parsed into records already.
type byteRange struct {
	start, end int64
}

// rawRecord is a parsed record with reference lists still expressed as the
// on-disk decimal byte offsets, not yet resolved to keys.
type rawRecord struct {
	key    graphkey.Key
	absent bool
	value  graphkey.Value
	refs   [][]int64 // per ref-list, ordered offsets
}

// Reader is a read-only handle on a flat-index file, supporting
// incremental bisection (parsing only the byte ranges it has needed so
// far) until more than half the file has been read, at which point it
// switches to holding the whole file in memory (component C5).
type Reader struct {
	transport blocktransport.Transport
	name      string
	size      int64

	keyElements int
	refLists    int
	keyCount    int
	headerEnd   int64

	bytesRead int64
	buffered  []byte

	parsedByteMap []byteRange          // sorted, non-overlapping
	byOffset      map[int64]rawRecord  // record start offset -> raw record
	byKey         map[string]int64     // key string -> its start offset
}

// NewReader returns a Reader over the named file of known size.
func NewReader(transport blocktransport.Transport, name string, size int64) *Reader {
	return &Reader{
		transport: transport,
		name:      name,
		size:      size,
		byOffset:  make(map[int64]rawRecord),
		byKey:     make(map[string]int64),
	}
}

func (r *Reader) fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 {
		offset = 0
	}
	if offset+length > r.size {
		length = r.size - offset
	}
	if length <= 0 {
		return nil, nil
	}
	if r.buffered != nil {
		return r.buffered[offset : offset+length], nil
	}
	ch, err := r.transport.Readv(ctx, r.name, []blocktransport.Range{{Offset: offset, Length: length}})
	if err != nil {
		if blocktransport.IsNoSuchFile(err) {
			return nil, graphkey.Wrap(graphkey.NoSuchFile, r.name, err, "backing file not found")
		}
		return nil, err
	}
	var data []byte
	for chunk := range ch {
		data = chunk.Data
	}
	r.noteBytesRead(int64(len(data)))
	return data, nil
}

func (r *Reader) noteBytesRead(n int64) {
	r.bytesRead += n
	if r.buffered == nil && r.size > 0 && float64(r.bytesRead) >= bufferAllThreshold*float64(r.size) {
		data, err := r.transport.GetBytes(context.Background(), r.name)
		if err == nil {
			r.buffered = data
		}
	}
}

func (r *Reader) ensureHeader(ctx context.Context) error {
	if r.headerEnd != 0 {
		return nil
	}
	head, err := r.fetch(ctx, 0, 4096)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(head), Signature) {
		return graphkey.New(graphkey.BadSignature, r.name, "file does not start with the flat-index signature")
	}
	text := string(head)
	lines := strings.SplitN(text, "\n", 5)
	if len(lines) < 5 {
		return graphkey.New(graphkey.BadOptions, r.name, "header truncated")
	}
	refLists, err := parseIntOption(lines[1], "node_ref_lists")
	if err != nil {
		return err
	}
	keyElements, err := parseIntOption(lines[2], "key_elements")
	if err != nil {
		return err
	}
	keyCount, err := parseIntOption(lines[3], "len")
	if err != nil {
		return err
	}
	r.refLists = refLists
	r.keyElements = keyElements
	r.keyCount = keyCount
	r.headerEnd = int64(len(lines[0]) + 1 + len(lines[1]) + 1 + len(lines[2]) + 1 + len(lines[3]) + 1)
	return nil
}

func parseIntOption(line, key string) (int, error) {
	prefix := key + "="
	if !strings.HasPrefix(line, prefix) {
		return 0, graphkey.New(graphkey.BadOptions, "", "expected %q option, got %q", key, line)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(line, prefix))
	if err != nil {
		return 0, graphkey.New(graphkey.BadOptions, "", "option %q has non-numeric value", key)
	}
	return n, nil
}

// ensureRange parses the byte range [start, end) (after trimming to whole
// lines) into r.byOffset/r.byKey, merging it into parsedByteMap.
func (r *Reader) ensureRange(ctx context.Context, start, end int64) error {
	if r.covers(start, end) {
		return nil
	}
	if start < r.headerEnd {
		start = r.headerEnd
	}
	if end > r.size-1 { // trailing blank line
		end = r.size - 1
	}
	if start >= end {
		return nil
	}
	raw, err := r.fetch(ctx, start, end-start)
	if err != nil {
		return err
	}
	// Trim to the first and last complete line within the window so we
	// never parse a partial record.
	lineStart := int64(0)
	if start != r.headerEnd {
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			lineStart = int64(i + 1)
		} else {
			lineStart = int64(len(raw))
		}
	}
	lineEnd := int64(len(raw))
	if end != r.size-1 {
		if i := bytes.LastIndexByte(raw[:lineEnd], '\n'); i >= 0 {
			lineEnd = int64(i + 1)
		} else {
			lineEnd = 0
		}
	}
	if lineStart >= lineEnd {
		return nil
	}
	rangeStart := start + lineStart
	rangeEnd := start + lineEnd
	cursor := rangeStart
	text := string(raw[lineStart:lineEnd])
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		if line == "" {
			continue
		}
		offset := cursor
		rec, err := parseRawLine(line, r.keyElements, r.refLists)
		if err != nil {
			return err
		}
		r.byOffset[offset] = rec
		r.byKey[rec.key.String()] = offset
		cursor += int64(len(line)) + 1
	}
	r.mergeRange(byteRange{start: rangeStart, end: rangeEnd})
	return nil
}

func (r *Reader) covers(start, end int64) bool {
	for _, rg := range r.parsedByteMap {
		if rg.start <= start && end <= rg.end {
			return true
		}
	}
	return false
}

// mergeRange inserts rg into parsedByteMap, combining with any adjacent or
// overlapping ranges (the four-case range-merge of §4.5: extend-lower,
// extend-upper, combine-two, new-entry).
func (r *Reader) mergeRange(rg byteRange) {
	merged := []byteRange{rg}
	for _, existing := range r.parsedByteMap {
		if existing.end < merged[0].start || existing.start > merged[0].end {
			merged = append(merged, existing)
			continue
		}
		// Overlaps or touches: extend in place.
		if existing.start < merged[0].start {
			merged[0].start = existing.start
		}
		if existing.end > merged[0].end {
			merged[0].end = existing.end
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].start < merged[j].start })
	r.parsedByteMap = merged
}

func parseRawLine(line string, keyElements, refLists int) (rawRecord, error) {
	fields := strings.Split(line, "\x00")
	if len(fields) != keyElements+3 {
		return rawRecord{}, graphkey.New(graphkey.BadData, line, "flat record has %d fields, want %d", len(fields), keyElements+3)
	}
	key := graphkey.Key(append([]string(nil), fields[:keyElements]...))
	absent := fields[keyElements] == "a"
	refsField := fields[keyElements+1]
	value := fields[keyElements+2]

	refs := make([][]int64, refLists)
	if refLists > 0 {
		listStrs := strings.Split(refsField, "\t")
		for i := 0; i < refLists && i < len(listStrs); i++ {
			if listStrs[i] == "" {
				continue
			}
			for _, offStr := range strings.Split(listStrs[i], "\r") {
				off, err := strconv.ParseInt(offStr, 10, 64)
				if err != nil {
					return rawRecord{}, graphkey.New(graphkey.BadData, line, "reference %q is not a decimal offset", offStr)
				}
				refs[i] = append(refs[i], off)
			}
		}
	}
	return rawRecord{key: key, absent: absent, value: graphkey.Value(value), refs: refs}, nil
}

// resolve converts a rawRecord into a graphkey.Record, fetching and
// parsing whatever byte ranges are needed to know the key at each
// referenced offset (§4.5 step 4).
func (r *Reader) resolve(ctx context.Context, raw rawRecord) (graphkey.Record, error) {
	refLists := make(graphkey.RefLists, len(raw.refs))
	for i, offsets := range raw.refs {
		rl := make(graphkey.RefList, len(offsets))
		for j, off := range offsets {
			key, err := r.keyAtOffset(ctx, off)
			if err != nil {
				return graphkey.Record{}, err
			}
			rl[j] = key
		}
		refLists[i] = rl
	}
	return graphkey.Record{Key: raw.key, Value: raw.value, Refs: refLists, Absent: raw.absent}, nil
}

func (r *Reader) keyAtOffset(ctx context.Context, offset int64) (graphkey.Key, error) {
	if rec, ok := r.byOffset[offset]; ok {
		return rec.key, nil
	}
	if err := r.ensureRange(ctx, offset, offset+probeWindow); err != nil {
		return nil, err
	}
	if rec, ok := r.byOffset[offset]; ok {
		return rec.key, nil
	}
	return nil, graphkey.New(graphkey.BadData, "", "reference offset %d does not land on a record boundary", offset)
}

// Lookup bisects the file for key, parsing only what it needs to.
func (r *Reader) Lookup(ctx context.Context, key graphkey.Key) (graphkey.Record, bool, error) {
	if err := r.ensureHeader(ctx); err != nil {
		return graphkey.Record{}, false, err
	}
	if off, ok := r.byKey[key.String()]; ok {
		rec, err := r.resolve(ctx, r.byOffset[off])
		return rec, true, err
	}

	low, high := r.headerEnd, r.size-1
	for iter := 0; iter < 64 && low < high; iter++ {
		mid := low + (high-low)/2
		if err := r.ensureRange(ctx, mid-probeWindow/2, mid+probeWindow/2); err != nil {
			return graphkey.Record{}, false, err
		}
		if off, ok := r.byKey[key.String()]; ok {
			rec, err := r.resolve(ctx, r.byOffset[off])
			return rec, true, err
		}
		lowKey, highKey, ok := r.windowKeyBounds(mid-probeWindow/2, mid+probeWindow/2)
		if !ok {
			// Nothing parsed in this window (e.g. landed in a gap);
			// widen outward.
			low = mid - probeWindow
			high = mid + probeWindow
			continue
		}
		switch {
		case key.Less(lowKey):
			high = mid - probeWindow/2
		case highKey.Less(key):
			low = mid + probeWindow/2
		default:
			// key sorts within this window's span but wasn't found:
			// it is not present.
			return graphkey.Record{}, false, nil
		}
	}
	return graphkey.Record{}, false, nil
}

func (r *Reader) windowKeyBounds(start, end int64) (graphkey.Key, graphkey.Key, bool) {
	var keys []graphkey.Key
	for off, rec := range r.byOffset {
		if off >= start-probeWindow && off <= end+probeWindow {
			keys = append(keys, rec.key)
		}
	}
	if len(keys) == 0 {
		return nil, nil, false
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys[0], keys[len(keys)-1], true
}

// IterAll parses the whole file (switching to buffer-all) and yields
// every record in key order.
func (r *Reader) IterAll(ctx context.Context) (graphkey.RecordIter, error) {
	if err := r.ensureHeader(ctx); err != nil {
		return nil, err
	}
	if err := r.ensureRange(ctx, r.headerEnd, r.size-1); err != nil {
		return nil, err
	}
	offsets := make([]int64, 0, len(r.byOffset))
	for off := range r.byOffset {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	out := make([]graphkey.Record, 0, len(offsets))
	for _, off := range offsets {
		rec, err := r.resolve(ctx, r.byOffset[off])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return graphkey.NewSliceIter(out), nil
}

// Iter yields records whose key appears in keys.
func (r *Reader) Iter(ctx context.Context, keys []graphkey.Key) (graphkey.RecordIter, error) {
	var out []graphkey.Record
	for _, key := range keys {
		rec, ok, err := r.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return graphkey.NewSliceIter(out), nil
}

// IterPrefix parses the whole file and filters by prefix.
func (r *Reader) IterPrefix(ctx context.Context, prefixes []graphkey.Key) (graphkey.RecordIter, error) {
	all, err := r.IterAll(ctx)
	if err != nil {
		return nil, err
	}
	records, err := graphkey.Collect(all)
	if err != nil {
		return nil, err
	}
	var out []graphkey.Record
	for _, rec := range records {
		for _, prefix := range prefixes {
			if hasKeyPrefix(rec.Key, prefix) {
				out = append(out, rec)
				break
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

// KeyCount returns the header's recorded record count.
func (r *Reader) KeyCount(ctx context.Context) (int, error) {
	if err := r.ensureHeader(ctx); err != nil {
		return 0, err
	}
	return r.keyCount, nil
}

// Validate parses the whole file, checking record shape and that every
// reference resolves to a real offset.
func (r *Reader) Validate(ctx context.Context) error {
	all, err := r.IterAll(ctx)
	if err != nil {
		return err
	}
	records, err := graphkey.Collect(all)
	if err != nil {
		return err
	}
	if len(records) != r.keyCount {
		return graphkey.New(graphkey.BadData, r.name, "parsed %d records, header declares len=%d", len(records), r.keyCount)
	}
	for _, rec := range records {
		if err := rec.ValidateShape(r.keyElements, r.refLists); err != nil {
			return err
		}
	}
	return nil
}

var _ graphkey.Index = (*Reader)(nil)
