package combinedindex

import (
	"bytes"
	"context"
	"testing"

	"grove.dev/pkg/blocktransport"
	"grove.dev/pkg/btreeindex"
	"grove.dev/pkg/graphkey"
)

func buildReader(t *testing.T, transport *blocktransport.MemTransport, name string, keys ...string) *btreeindex.Reader {
	t.Helper()
	opts := btreeindex.DefaultBuildOptions(1, 0)
	var records []graphkey.Record
	for _, k := range keys {
		records = append(records, graphkey.Record{Key: graphkey.Key{k}, Value: graphkey.Value("v-" + k), Refs: graphkey.RefLists{}})
	}
	data, err := btreeindex.BuildFromSorted(opts, records)
	if err != nil {
		t.Fatalf("BuildFromSorted: %v", err)
	}
	if _, err := transport.PutFile(context.Background(), name, bytes.NewReader(data)); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	return btreeindex.NewReader(transport, name, int64(len(data)), opts)
}

func TestCombinedIndexDedup(t *testing.T) {
	transport := blocktransport.NewMemTransport(0)
	a := buildReader(t, transport, "a", "alpha", "bravo")
	b := buildReader(t, transport, "b", "bravo", "charlie")

	ix := New([]graphkey.Index{a, b}, nil, nil)
	ctx := context.Background()

	it, err := ix.IterAll(ctx)
	if err != nil {
		t.Fatalf("IterAll: %v", err)
	}
	got, err := graphkey.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("IterAll returned %d records, want 3 (bravo deduped)", len(got))
	}
	for _, rec := range got {
		if rec.Key.Equal(graphkey.Key{"bravo"}) && rec.Value != "v-bravo" {
			t.Fatalf("bravo value = %q, want first-occurrence value", rec.Value)
		}
	}

	n, err := ix.KeyCount(ctx)
	if err != nil {
		t.Fatalf("KeyCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("KeyCount = %d, want 4 (sum of children, over-counting bravo)", n)
	}
}

func TestCombinedIndexReloadOnMissing(t *testing.T) {
	transport := blocktransport.NewMemTransport(0)
	a := buildReader(t, transport, "a", "alpha")
	b := buildReader(t, transport, "b", "bravo")
	c := buildReader(t, transport, "c", "alpha", "bravo")

	transport.Delete("a")

	reloaded := false
	hook := func(ctx context.Context) ([]graphkey.Index, bool, error) {
		if reloaded {
			return nil, false, nil
		}
		reloaded = true
		return []graphkey.Index{c}, true, nil
	}
	ix := New([]graphkey.Index{a, b}, hook, nil)
	ctx := context.Background()

	it, err := ix.Iter(ctx, []graphkey.Key{{"alpha"}})
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	got, err := graphkey.Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Iter(alpha) returned %d, want 1", len(got))
	}
	if ix.ReloadCount() != 1 {
		t.Fatalf("ReloadCount() = %d, want 1", ix.ReloadCount())
	}
}

func TestCombinedIndexNoReloadHookPropagatesError(t *testing.T) {
	transport := blocktransport.NewMemTransport(0)
	a := buildReader(t, transport, "a", "alpha")
	transport.Delete("a")

	ix := New([]graphkey.Index{a}, nil, nil)
	if _, err := ix.IterAll(context.Background()); err == nil {
		t.Fatal("expected no-such-file error with no reload hook configured")
	}
}
