// Package btreeindex implements the persistent, immutable B+Tree index
// format (components C1, C3, C4): page codec and framing, the streaming
// and spilling builder, and the paged, prefetching reader.
package btreeindex

import (
	"fmt"
	"strconv"
	"strings"

	"grove.dev/pkg/graphkey"
)

// Signature is the literal first line of every B+Tree index file.
const Signature = "B+Tree Graph Index 2\n"

// ReservedHeaderBytes is the fixed width of the header region at the start
// of the file; the header text is NUL-padded to exactly this width.
const ReservedHeaderBytes = 120

// PageSize is the fixed compressed-and-padded width of every page after
// the header, except the header-bearing first page of row 0 (which is
// PageSize - ReservedHeaderBytes wide) and the final leaf page (which may
// be short).
const PageSize = 4096

// DefaultNodeCacheSize is the default leaf-page LRU capacity (§4.4.1),
// tuned for roughly 4 MB at 4K pages.
const DefaultNodeCacheSize = 1000

// Header is the parsed form of the reserved 120-byte header region.
type Header struct {
	RefLists    int
	KeyElements int
	Len         int
	RowLengths  []int
}

// Encode renders h as the signature plus its four option lines, NUL-padded
// to ReservedHeaderBytes. It returns a BadOptions error if the text
// exceeds the reserved width.
func (h Header) Encode() ([]byte, error) {
	rowLengths := make([]string, len(h.RowLengths))
	for i, n := range h.RowLengths {
		rowLengths[i] = strconv.Itoa(n)
	}
	text := fmt.Sprintf("%snode_ref_lists=%d\nkey_elements=%d\nlen=%d\nrow_lengths=%s\n",
		Signature, h.RefLists, h.KeyElements, h.Len, strings.Join(rowLengths, ","))
	if len(text) > ReservedHeaderBytes {
		return nil, graphkey.New(graphkey.BadOptions, "", "header of %d bytes exceeds reserved %d bytes", len(text), ReservedHeaderBytes)
	}
	buf := make([]byte, ReservedHeaderBytes)
	copy(buf, text)
	return buf, nil
}

// ParseHeader parses the leading bytes of a B+Tree index file and returns
// the parsed Header. The header always ends at ReservedHeaderBytes; the
// bytes at and after that offset are the start of page 0's compressed
// body.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < len(Signature) || string(data[:len(Signature)]) != Signature {
		return Header{}, graphkey.New(graphkey.BadSignature, "", "file does not start with the B+Tree signature")
	}
	if len(data) < ReservedHeaderBytes {
		return Header{}, graphkey.New(graphkey.BadOptions, "", "header truncated: got %d bytes, want %d", len(data), ReservedHeaderBytes)
	}
	// The header text ends at the first NUL (or at ReservedHeaderBytes if
	// the text fills it exactly).
	text := string(data[:ReservedHeaderBytes])
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	lines := strings.Split(text, "\n")
	// lines: [signature-without-\n, node_ref_lists=N, key_elements=N, len=N, row_lengths=..., ""]
	if len(lines) < 5 {
		return Header{}, graphkey.New(graphkey.BadOptions, "", "header has %d lines, want at least 5", len(lines))
	}
	h := Header{}
	var err error
	if h.RefLists, err = parseOptionInt(lines[1], "node_ref_lists"); err != nil {
		return Header{}, err
	}
	if h.KeyElements, err = parseOptionInt(lines[2], "key_elements"); err != nil {
		return Header{}, err
	}
	if h.Len, err = parseOptionInt(lines[3], "len"); err != nil {
		return Header{}, err
	}
	rowLengthsVal, err := parseOptionValue(lines[4], "row_lengths")
	if err != nil {
		return Header{}, err
	}
	if rowLengthsVal != "" {
		parts := strings.Split(rowLengthsVal, ",")
		h.RowLengths = make([]int, len(parts))
		for i, p := range parts {
			n, err := strconv.Atoi(p)
			if err != nil {
				return Header{}, graphkey.New(graphkey.BadOptions, "", "row_lengths entry %q is not a number", p)
			}
			h.RowLengths[i] = n
		}
	}
	return h, nil
}

func parseOptionValue(line, key string) (string, error) {
	prefix := key + "="
	if !strings.HasPrefix(line, prefix) {
		return "", graphkey.New(graphkey.BadOptions, "", "expected %q option, got %q", key, line)
	}
	return strings.TrimPrefix(line, prefix), nil
}

func parseOptionInt(line, key string) (int, error) {
	v, err := parseOptionValue(line, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, graphkey.New(graphkey.BadOptions, "", "option %q has non-numeric value %q", key, v)
	}
	return n, nil
}

// TotalPages returns the total number of pages across all rows.
func (h Header) TotalPages() int {
	total := 0
	for _, n := range h.RowLengths {
		total += n
	}
	return total
}

// RowOffsets returns the page index at which each row begins, with one
// extra trailing entry equal to the total page count (mirroring bzrlib's
// row_offsets[-1] == total pages convention).
func (h Header) RowOffsets() []int {
	offsets := make([]int, len(h.RowLengths)+1)
	acc := 0
	for i, n := range h.RowLengths {
		offsets[i] = acc
		acc += n
	}
	offsets[len(h.RowLengths)] = acc
	return offsets
}
