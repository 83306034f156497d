// Package chunkwriter implements the fixed-budget compressed page writer
// (component C2): pack variable-length record lines into a page that must
// fit, compressed, within a fixed byte budget, reporting overflow so the
// caller can seal the page and start a new one.
package chunkwriter

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
)

// Writer accumulates record lines and reports whether the next line would
// overflow chunkSize once compressed. Unlike bzrlib's btree_index.py,
// which clones a live zlib compressor (deflateCopy) to test "does this
// line fit" cheaply, Go's zlib writer exposes no clone primitive, so
// Writer recompresses its whole candidate buffer from scratch on every
// Write call and simply discards the candidate if it doesn't fit. This is
// a deliberate, documented deviation (see DESIGN.md / SPEC_FULL.md §9):
// it trades CPU for not needing an unsupported clone, and is tractable
// because pages are small (≤4096 bytes before compression overhead).
type Writer struct {
	chunkSize         int
	reservedTrailer   int
	optimizeForSize   bool
	committedLines    []byte
	lastCompressedLen int
}

// New returns a Writer with the given target compressed byte budget,
// optional reserved trailer space (bytes subtracted from chunkSize before
// checking fit), and compression-effort flag.
func New(chunkSize, reservedTrailer int, optimizeForSize bool) *Writer {
	return &Writer{
		chunkSize:       chunkSize,
		reservedTrailer: reservedTrailer,
		optimizeForSize: optimizeForSize,
	}
}

func (w *Writer) compressionLevel() int {
	if w.optimizeForSize {
		return zlib.BestCompression
	}
	return zlib.DefaultCompression
}

func (w *Writer) compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, w.compressionLevel())
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write attempts to append line to the page. It returns true if line
// would overflow the chunk budget once compressed (the caller must call
// Finish and open a new Writer for line); it returns false if line was
// committed and the caller may continue writing.
func (w *Writer) Write(line string) (overflow bool, err error) {
	candidate := make([]byte, 0, len(w.committedLines)+len(line))
	candidate = append(candidate, w.committedLines...)
	candidate = append(candidate, line...)

	compressed, err := w.compress(candidate)
	if err != nil {
		return false, err
	}
	budget := w.chunkSize - w.reservedTrailer
	if len(compressed) > budget {
		return true, nil
	}
	w.committedLines = candidate
	w.lastCompressedLen = len(compressed)
	return false, nil
}

// Finish seals the page, returning its compressed body and the number of
// trailing NUL bytes required to pad it to chunkSize. If pad is false (the
// final leaf page, which is permitted to be short, §4.3.1), no padding is
// computed and the returned padding is always 0.
func (w *Writer) Finish(pad bool) (body []byte, padding int, err error) {
	compressed, err := w.compress(w.committedLines)
	if err != nil {
		return nil, 0, err
	}
	if !pad {
		return compressed, 0, nil
	}
	padding = w.chunkSize - len(compressed)
	if padding < 0 {
		padding = 0
	}
	return compressed, padding, nil
}

// Len reports the number of uncompressed bytes committed so far.
func (w *Writer) Len() int { return len(w.committedLines) }

// Empty reports whether no line has been committed yet.
func (w *Writer) Empty() bool { return len(w.committedLines) == 0 }
