package blocktransport

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// MemTransport is an in-memory Transport, grounded on
// perkeep.org/pkg/blob/fetcher.go's MemoryStore, adapted from a
// content-hash-keyed blob store to a name-keyed file store. It is used by
// every package's tests and is suitable for small, ephemeral indices.
type MemTransport struct {
	mu               sync.Mutex
	files            map[string][]byte
	recommendedPages int
}

// NewMemTransport returns an empty MemTransport. pageSize, if zero,
// defaults to DefaultPageSize.
func NewMemTransport(pageSize int) *MemTransport {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MemTransport{files: make(map[string][]byte), recommendedPages: pageSize}
}

func (m *MemTransport) GetBytes(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[name]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "blocktransport: get_bytes %q", name)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *MemTransport) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	b, err := m.GetBytes(ctx, name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemTransport) Readv(ctx context.Context, name string, ranges []Range) (<-chan Chunk, error) {
	b, err := m.GetBytes(ctx, name)
	if err != nil {
		return nil, err
	}
	ch := make(chan Chunk, len(ranges))
	go func() {
		defer close(ch)
		for _, r := range ranges {
			end := r.Offset + r.Length
			if end > int64(len(b)) {
				end = int64(len(b))
			}
			var data []byte
			if r.Offset < end {
				data = append([]byte(nil), b[r.Offset:end]...)
			}
			select {
			case ch <- Chunk{Offset: r.Offset, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (m *MemTransport) PutFile(ctx context.Context, name string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, errors.Wrapf(err, "blocktransport: put_file %q", name)
	}
	m.mu.Lock()
	m.files[name] = b
	m.mu.Unlock()
	return int64(len(b)), nil
}

func (m *MemTransport) RecommendedPageSize() int { return m.recommendedPages }

// Delete removes name, simulating a backing file disappearing underneath
// a reader (used to exercise the combined index's reload-on-missing path,
// scenario S6).
func (m *MemTransport) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
}
