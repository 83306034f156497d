// Package flatindex implements the legacy variable-length flat index
// format (component C5): a minimal builder (needed only to produce
// fixture files, since bzrlib's GraphIndexBuilder is the only other
// source of this format) and a bisecting, incrementally-parsing reader.
package flatindex

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"grove.dev/pkg/graphkey"
)

// Signature is the literal first line of every flat index file.
const Signature = "Bazaar Graph Index 1\n"

// Builder accumulates records in memory and renders them, on Finish, as
// the bit-exact flat format of §6.3: fixed-width zero-padded decimal
// byte offsets standing in for cross-references.
type Builder struct {
	keyElements int
	refLists    int
	records     map[string]graphkey.Record
}

// NewBuilder returns an empty Builder for an index of the given shape.
func NewBuilder(keyElements, refLists int) *Builder {
	return &Builder{
		keyElements: keyElements,
		refLists:    refLists,
		records:     make(map[string]graphkey.Record),
	}
}

// Add validates and inserts rec, rejecting a duplicate key.
func (b *Builder) Add(rec graphkey.Record) error {
	if err := rec.ValidateShape(b.keyElements, b.refLists); err != nil {
		return err
	}
	ks := rec.Key.String()
	if _, exists := b.records[ks]; exists {
		return graphkey.New(graphkey.DuplicateKey, ks, "key already present in builder")
	}
	b.records[ks] = rec.Clone()
	return nil
}

// Finish renders the accumulated records as the complete flat-index file.
// Every key referenced by any record's reference lists must already be
// present in the builder (as a real or an absent-placeholder record);
// Finish returns a BadData error naming the first missing one.
func (b *Builder) Finish() ([]byte, error) {
	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]graphkey.Record, len(keys))
	for i, k := range keys {
		ordered[i] = b.records[k]
	}
	for _, rec := range ordered {
		for _, rl := range rec.Refs {
			for _, refKey := range rl {
				if _, ok := b.records[refKey.String()]; !ok {
					return nil, graphkey.New(graphkey.BadData, refKey.String(), "reference names a key not present in the builder")
				}
			}
		}
	}

	header := fmt.Sprintf("%snode_ref_lists=%d\nkey_elements=%d\nlen=%d\n",
		Signature, b.refLists, b.keyElements, len(ordered))

	width := 1
	for iter := 0; iter < 16; iter++ {
		data, fits := render(header, ordered, width)
		if fits {
			return data, nil
		}
		width++
	}
	return nil, graphkey.New(graphkey.BadData, "", "offset width did not converge")
}

// refsFieldLen returns the encoded byte length of rec's reference field at
// the given fixed offset width, independent of the actual offset values.
func refsFieldLen(rec graphkey.Record, width int) int {
	n := 0
	for i, rl := range rec.Refs {
		if i > 0 {
			n++ // TAB
		}
		for j := range rl {
			if j > 0 {
				n++ // CR
			}
			n += width
		}
	}
	return n
}

func lineLen(rec graphkey.Record, width int) int {
	n := len(rec.Key.String()) + 1 // key + NUL
	if rec.Absent {
		n++ // "a"
	}
	n++ // NUL after absent flag
	n += refsFieldLen(rec, width)
	n++ // NUL after refs
	n += len(rec.Value)
	n++ // \n
	return n
}

// render lays out ordered at the given fixed offset-field width, returning
// the encoded file and whether width was large enough: every offset in the
// file must be representable in exactly width decimal digits, which holds
// iff the final file length itself fits in width digits (every offset is
// strictly smaller than the file length).
func render(header string, ordered []graphkey.Record, width int) ([]byte, bool) {
	offsets := make(map[string]int64, len(ordered))
	offset := int64(len(header))
	for _, rec := range ordered {
		offsets[rec.Key.String()] = offset
		offset += int64(lineLen(rec, width))
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	for _, rec := range ordered {
		buf.WriteString(rec.Key.String())
		buf.WriteByte(0)
		if rec.Absent {
			buf.WriteByte('a')
		}
		buf.WriteByte(0)
		buf.WriteString(renderRefs(rec.Refs, offsets, width))
		buf.WriteByte(0)
		buf.WriteString(string(rec.Value))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	total := buf.Len()
	maxDigits := len(strconv.Itoa(total))
	return buf.Bytes(), maxDigits <= width
}

func renderRefs(refs graphkey.RefLists, offsets map[string]int64, width int) string {
	lists := make([]string, len(refs))
	for i, rl := range refs {
		keys := make([]string, len(rl))
		for j, k := range rl {
			keys[j] = fmt.Sprintf("%0*d", width, offsets[k.String()])
		}
		lists[i] = strings.Join(keys, "\r")
	}
	return strings.Join(lists, "\t")
}
