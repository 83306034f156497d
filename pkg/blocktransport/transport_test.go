package blocktransport

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
)

func TestMemTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(0)

	n, err := tr.PutFile(ctx, "foo", bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if n != 11 {
		t.Fatalf("PutFile returned %d, want 11", n)
	}

	got, err := tr.GetBytes(ctx, "foo")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("GetBytes = %q", got)
	}

	rc, err := tr.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	streamed, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(streamed) != "hello world" {
		t.Fatalf("streamed = %q", streamed)
	}
}

func TestMemTransportReadv(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(0)
	tr.PutFile(ctx, "foo", bytes.NewReader([]byte("0123456789")))

	ch, err := tr.Readv(ctx, "foo", []Range{{Offset: 2, Length: 3}, {Offset: 7, Length: 3}})
	if err != nil {
		t.Fatalf("Readv: %v", err)
	}
	got := map[int64]string{}
	for c := range ch {
		got[c.Offset] = string(c.Data)
	}
	if got[2] != "234" || got[7] != "789" {
		t.Fatalf("unexpected readv results: %v", got)
	}
}

func TestMemTransportMissingFile(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(0)
	if _, err := tr.GetBytes(ctx, "nope"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMemTransportDeleteEnablesMissing(t *testing.T) {
	ctx := context.Background()
	tr := NewMemTransport(0)
	tr.PutFile(ctx, "foo", bytes.NewReader([]byte("x")))
	tr.Delete("foo")
	if _, err := tr.GetBytes(ctx, "foo"); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestDiskTransportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	tr := NewDiskTransport(dir, 0)

	if _, err := tr.PutFile(ctx, "foo", bytes.NewReader([]byte("disk data"))); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	got, err := tr.GetBytes(ctx, "foo")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(got) != "disk data" {
		t.Fatalf("GetBytes = %q", got)
	}
}

func TestDiskTransportMissingFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	tr := NewDiskTransport(dir, 0)
	_, err := tr.GetBytes(ctx, "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNoSuchFile(err) {
		t.Fatalf("expected IsNoSuchFile(err) true, got err=%v", err)
	}
}

func TestSpillFileRemovesOnClose(t *testing.T) {
	sf, err := NewSpillFile(t.TempDir(), "spill-*")
	if err != nil {
		t.Fatalf("NewSpillFile: %v", err)
	}
	path := sf.Path()
	if _, err := sf.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected spill file to be removed, stat err = %v", err)
	}
}
