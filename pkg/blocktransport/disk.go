package blocktransport

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"grove.dev/pkg/types"
)

// DefaultPageSize is the recommended_page_size DiskTransport reports when
// none is configured: one page's worth of reads at a time, the simplest
// sensible default for a local filesystem where request coalescing buys
// little.
const DefaultPageSize = 4096

// DiskTransport implements Transport against a directory of files on the
// local filesystem. It is grounded on the shape of
// perkeep.org/pkg/blob/fetcher.go's DirFetcher, adapted from a
// blob.Ref-keyed, one-file-per-ref store to a name-keyed,
// ranged-read/ranged-write file store, since this module's transport
// contract (§6.1) addresses files by name and reads arbitrary byte ranges
// rather than whole blobs.
type DiskTransport struct {
	dir              string
	recommendedPages int
}

// NewDiskTransport returns a DiskTransport rooted at dir. dir must already
// exist. pageSize, if zero, defaults to DefaultPageSize.
func NewDiskTransport(dir string, pageSize int) *DiskTransport {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &DiskTransport{dir: dir, recommendedPages: pageSize}
}

func (d *DiskTransport) path(name string) string {
	return filepath.Join(d.dir, name)
}

func (d *DiskTransport) GetBytes(ctx context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(d.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "blocktransport: get_bytes %q", name)
	}
	return b, nil
}

func (d *DiskTransport) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "blocktransport: get %q", name)
	}
	return f, nil
}

func (d *DiskTransport) Readv(ctx context.Context, name string, ranges []Range) (<-chan Chunk, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "blocktransport: readv %q", name)
	}

	return readRanges(ctx, f, ranges), nil
}

// readRanges drains ranges from src into a Chunk channel, closing src (via
// its ReaderAtCloser half) once every range has been read. It is expressed
// against types.ReaderAtCloser, not *os.File, so the same range-reading
// loop also serves any other random-access byte source this transport
// might later be pointed at (a mmap'd file, a bounded in-memory section).
func readRanges(ctx context.Context, src types.ReaderAtCloser, ranges []Range) <-chan Chunk {
	ch := make(chan Chunk, len(ranges))
	go func() {
		defer src.Close()
		defer close(ch)
		for _, r := range ranges {
			buf := make([]byte, r.Length)
			if _, err := src.ReadAt(buf, r.Offset); err != nil && err != io.EOF {
				return
			}
			select {
			case ch <- Chunk{Offset: r.Offset, Data: buf}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (d *DiskTransport) PutFile(ctx context.Context, name string, r io.Reader) (int64, error) {
	f, err := os.Create(d.path(name))
	if err != nil {
		return 0, errors.Wrapf(err, "blocktransport: put_file %q", name)
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	if err != nil {
		return 0, errors.Wrapf(err, "blocktransport: put_file %q", name)
	}
	return n, nil
}

func (d *DiskTransport) RecommendedPageSize() int { return d.recommendedPages }

// IsNoSuchFile reports whether err indicates the named object does not
// exist at the OS level, i.e. it originated from DiskTransport as an
// *os.PathError somewhere inside an errors.Wrap chain. Callers that also
// need to recognise a graphkey-typed NoSuchFile error (raised by a
// non-disk transport or by the index packages themselves) should combine
// this with errors.Is(err, graphkey.ErrNoSuchFile).
func IsNoSuchFile(err error) bool {
	return err != nil && os.IsNotExist(errors.Cause(err))
}
