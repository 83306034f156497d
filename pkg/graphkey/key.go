// Package graphkey defines the key/value/record data model shared by the
// B+Tree and flat index formats, the typed error taxonomy both formats
// raise, the k-way record merge (MergeSources), and a small generic
// channel-peeking helper (Peeker).
package graphkey

import (
	"bytes"
	"strings"
)

// Key is an ordered tuple of byte strings. Every key in a given index has
// the same arity.
type Key []string

// Clone returns an independent copy of k.
func (k Key) Clone() Key {
	c := make(Key, len(k))
	copy(c, k)
	return c
}

// Compare returns -1, 0, or 1 according to whether k sorts before, equal
// to, or after other, comparing element-wise.
func (k Key) Compare(other Key) int {
	for i := 0; i < len(k) && i < len(other); i++ {
		if c := strings.Compare(k[i], other[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(other):
		return -1
	case len(k) > len(other):
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool { return k.Compare(other) < 0 }

// Equal reports whether k and other have identical elements.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders k as its on-disk leaf framing: elements joined by NUL.
func (k Key) String() string {
	return strings.Join([]string(k), "\x00")
}

const forbiddenKeyBytes = "\x00\t\r\n\v\f "

// Validate reports whether k has the given arity and every element is
// non-empty and free of forbidden bytes. On failure it returns a
// *Error of kind BadKey.
func (k Key) Validate(keyElements int) error {
	if len(k) != keyElements {
		return newError(BadKey, k.String(), "key has %d elements, want %d", len(k), keyElements)
	}
	for i, elem := range k {
		if elem == "" {
			return newError(BadKey, k.String(), "key element %d is empty", i)
		}
		if strings.ContainsAny(elem, forbiddenKeyBytes) {
			return newError(BadKey, k.String(), "key element %d contains a forbidden byte", i)
		}
	}
	return nil
}

// Value is an opaque byte string carried by a record.
type Value string

// Validate reports whether v contains no NUL and no LF.
func (v Value) Validate() error {
	if strings.IndexByte(string(v), 0) >= 0 || strings.IndexByte(string(v), '\n') >= 0 {
		return newError(BadValue, string(v), "value contains NUL or LF")
	}
	return nil
}

// RefList is an ordered list of keys, conceptually edges from the owning
// record to other records in the same index. A reference may name a key
// that is not (yet, or ever) a real record; see Record.Absent.
type RefList []Key

// Clone returns an independent deep copy of rl.
func (rl RefList) Clone() RefList {
	c := make(RefList, len(rl))
	for i, k := range rl {
		c[i] = k.Clone()
	}
	return c
}

// RefLists is the full set of reference lists a record carries, one per
// configured ref_lists slot.
type RefLists []RefList

// Clone returns an independent deep copy of rls.
func (rls RefLists) Clone() RefLists {
	c := make(RefLists, len(rls))
	for i, rl := range rls {
		c[i] = rl.Clone()
	}
	return c
}

// Validate reports whether rls has exactly refLists entries.
func (rls RefLists) Validate(refLists int) error {
	if len(rls) != refLists {
		return newError(BadRefListShape, "", "record has %d reference lists, want %d", len(rls), refLists)
	}
	return nil
}

// String renders rls as its on-disk leaf framing: lists joined by TAB,
// each list's keys joined by CR.
func (rls RefLists) String() string {
	lists := make([]string, len(rls))
	for i, rl := range rls {
		keys := make([]string, len(rl))
		for j, k := range rl {
			keys[j] = k.String()
		}
		lists[i] = strings.Join(keys, "\r")
	}
	return strings.Join(lists, "\t")
}

// Record is a single entry stored in an index: a key, its opaque value,
// its reference lists, and whether it is merely an absent placeholder
// recording that some other record refers to this key.
type Record struct {
	Key    Key
	Value  Value
	Refs   RefLists
	Absent bool
}

// Clone returns an independent deep copy of r.
func (r Record) Clone() Record {
	return Record{
		Key:    r.Key.Clone(),
		Value:  r.Value,
		Refs:   r.Refs.Clone(),
		Absent: r.Absent,
	}
}

// CompressionParent resolves the bzrlib-derived "compression parent"
// semantic: a record's reference lists are treated as carrying a
// compression-parent edge only when the host index configures exactly two
// reference lists, and then only in position refs[1][0]. Indices with 0 or
// 1 reference lists have no compression parent by definition. This mirrors
// bzrlib's btree_index.py/index.py _external_references handling exactly;
// it is deliberately not generalised to other ref_lists counts.
func (r Record) CompressionParent() (Key, bool) {
	if len(r.Refs) != 2 {
		return nil, false
	}
	parents := r.Refs[1]
	if len(parents) == 0 {
		return nil, false
	}
	return parents[0], true
}

// ValidateShape validates key arity, value contents, and reference-list
// shape against the given index parameters. It does not check referential
// integrity (§8.1 invariant 6), which is a whole-index property that a
// single record cannot show.
func (r Record) ValidateShape(keyElements, refLists int) error {
	if err := r.Key.Validate(keyElements); err != nil {
		return err
	}
	if err := r.Value.Validate(); err != nil {
		return err
	}
	if err := r.Refs.Validate(refLists); err != nil {
		return err
	}
	for _, rl := range r.Refs {
		for _, k := range rl {
			if err := k.Validate(keyElements); err != nil {
				return err
			}
		}
	}
	return nil
}

// leafLine renders r using the bit-exact leaf-page record framing:
// KEY \0 ABSENT? \0 REFS \0 VALUE \n
func (r Record) leafLine() string {
	var buf bytes.Buffer
	buf.WriteString(r.Key.String())
	buf.WriteByte(0)
	if r.Absent {
		buf.WriteByte('a')
	}
	buf.WriteByte(0)
	buf.WriteString(r.Refs.String())
	buf.WriteByte(0)
	buf.WriteString(string(r.Value))
	buf.WriteByte('\n')
	return buf.String()
}

// LeafLine is the exported form of leafLine, used by the btreeindex
// builder and leaf-page encoder to serialise a record to its on-disk line.
func (r Record) LeafLine() string { return r.leafLine() }
