package btreeindex

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"grove.dev/pkg/graphkey"
)

const leafTypeLine = "type=leaf\n"
const internalTypeLinePrefix = "type=internal\n"

// LeafPage is the decoded form of a leaf page: its records in on-disk
// order, plus an index for O(1) point lookup.
type LeafPage struct {
	Records []graphkey.Record
	byKey   map[string]int
}

// Lookup returns the record for key, if present on this page.
func (p *LeafPage) Lookup(key graphkey.Key) (graphkey.Record, bool) {
	if p.byKey == nil {
		p.byKey = make(map[string]int, len(p.Records))
		for i, r := range p.Records {
			p.byKey[r.Key.String()] = i
		}
	}
	i, ok := p.byKey[key.String()]
	if !ok {
		return graphkey.Record{}, false
	}
	return p.Records[i], true
}

// InternalPage is the decoded form of an internal page: the page index of
// its first child within the row below, and the boundary (smallest) key
// of each child's subtree, in child order.
type InternalPage struct {
	Offset       int
	BoundaryKeys []graphkey.Key
}

// EncodeLeafBody renders records as an uncompressed leaf page body.
func EncodeLeafBody(records []graphkey.Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafTypeLine)
	for _, r := range records {
		buf.WriteString(r.LeafLine())
	}
	return buf.Bytes()
}

// EncodeInternalBody renders an internal page body: offset plus one
// boundary key per line.
func EncodeInternalBody(offset int, boundaryKeys []graphkey.Key) []byte {
	var buf bytes.Buffer
	buf.WriteString(internalTypeLinePrefix)
	buf.WriteString("offset=")
	buf.WriteString(strconv.Itoa(offset))
	buf.WriteByte('\n')
	for _, k := range boundaryKeys {
		buf.WriteString(k.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Compress zlib-compresses body (the uncompressed page payload).
func Compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates a page's compressed bytes (trailing NUL padding, if
// any, is tolerated: zlib streams are self-terminating and the padding
// simply follows the stream unread).
func Decompress(compressed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, graphkey.Wrap(graphkey.BadData, "", err, "page does not begin with a valid zlib stream")
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, graphkey.Wrap(graphkey.BadData, "", err, "page decompression failed")
	}
	return buf.Bytes(), nil
}

// DecodePage detects leaf vs internal from the decompressed body's
// leading bytes and parses accordingly.
func DecodePage(body []byte, keyElements, refLists int) (leaf *LeafPage, internal *InternalPage, err error) {
	switch {
	case bytes.HasPrefix(body, []byte(leafTypeLine)):
		leaf, err = decodeLeafBody(body[len(leafTypeLine):], keyElements, refLists)
		return leaf, nil, err
	case bytes.HasPrefix(body, []byte(internalTypeLinePrefix)):
		internal, err = decodeInternalBody(body[len(internalTypeLinePrefix):], keyElements)
		return nil, internal, err
	default:
		return nil, nil, graphkey.New(graphkey.BadData, "", "unknown page type in leading bytes %q", firstLine(body))
	}
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func decodeLeafBody(rest []byte, keyElements, refLists int) (*LeafPage, error) {
	page := &LeafPage{}
	text := string(rest)
	for len(text) > 0 {
		i := strings.IndexByte(text, '\n')
		var line string
		if i < 0 {
			line = text
			text = ""
		} else {
			line = text[:i]
			text = text[i+1:]
		}
		if line == "" {
			continue
		}
		rec, err := decodeLeafLine(line, keyElements, refLists)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func decodeLeafLine(line string, keyElements, refLists int) (graphkey.Record, error) {
	fields := strings.Split(line, "\x00")
	if len(fields) != keyElements+3 {
		return graphkey.Record{}, graphkey.New(graphkey.BadData, line, "leaf record has %d fields, want %d", len(fields), keyElements+3)
	}
	key := graphkey.Key(append([]string(nil), fields[:keyElements]...))
	absent := fields[keyElements] == "a"
	refsField := fields[keyElements+1]
	value := fields[keyElements+2]

	var refs graphkey.RefLists
	if refLists > 0 {
		refs = make(graphkey.RefLists, refLists)
		if refsField != "" || refLists == 1 {
			listStrs := strings.Split(refsField, "\t")
			for i := 0; i < refLists && i < len(listStrs); i++ {
				if listStrs[i] == "" {
					continue
				}
				keyStrs := strings.Split(listStrs[i], "\r")
				rl := make(graphkey.RefList, len(keyStrs))
				for j, ks := range keyStrs {
					elems := strings.Split(ks, "\x00")
					rl[j] = graphkey.Key(elems)
				}
				refs[i] = rl
			}
		}
	} else {
		refs = graphkey.RefLists{}
	}

	return graphkey.Record{
		Key:    key,
		Value:  graphkey.Value(value),
		Refs:   refs,
		Absent: absent,
	}, nil
}

func decodeInternalBody(rest []byte, keyElements int) (*InternalPage, error) {
	text := string(rest)
	i := strings.IndexByte(text, '\n')
	if i < 0 {
		return nil, graphkey.New(graphkey.BadData, "", "internal page missing offset line")
	}
	offsetLine := text[:i]
	text = text[i+1:]
	if !strings.HasPrefix(offsetLine, "offset=") {
		return nil, graphkey.New(graphkey.BadData, "", "internal page expected offset= line, got %q", offsetLine)
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(offsetLine, "offset="))
	if err != nil {
		return nil, graphkey.New(graphkey.BadData, "", "internal page has non-numeric offset")
	}

	page := &InternalPage{Offset: offset}
	for len(text) > 0 {
		j := strings.IndexByte(text, '\n')
		var line string
		if j < 0 {
			line = text
			text = ""
		} else {
			line = text[:j]
			text = text[j+1:]
		}
		if line == "" {
			continue
		}
		elems := strings.Split(line, "\x00")
		if len(elems) != keyElements {
			return nil, graphkey.New(graphkey.BadData, line, "internal page boundary key has %d elements, want %d", len(elems), keyElements)
		}
		page.BoundaryKeys = append(page.BoundaryKeys, graphkey.Key(elems))
	}
	return page, nil
}
