package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T) (*Provider, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "docs")
	p, err := New(root, "", discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, root
}

func TestProvider_CreateAndQuery(t *testing.T) {
	ctx := context.Background()
	p, root := newTestProvider(t)

	dir, err := p.CreateDirectory(ctx, p.Root(), ".BackupRoot")
	if err != nil {
		t.Fatalf("CreateDirectory() error = %v", err)
	}
	if _, err := p.CreateFile(ctx, dir, ".nomedia", ""); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if _, err := p.CreateDirectory(ctx, dir, "kv"); err != nil {
		t.Fatalf("CreateDirectory() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".BackupRoot", ".nomedia")); err != nil {
		t.Errorf("marker not on disk: %v", err)
	}

	listing, err := p.Query(ctx, dir)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer listing.Close()
	if listing.Stale() {
		t.Error("listing without a pending marker should be fresh")
	}
	if len(listing.Entries) != 2 {
		t.Fatalf("entries = %+v, want 2", listing.Entries)
	}
	for _, e := range listing.Entries {
		switch e.Name {
		case ".nomedia":
			if e.IsDir || e.ID != ".BackupRoot/.nomedia" {
				t.Errorf(".nomedia entry = %+v", e)
			}
		case "kv":
			if !e.IsDir || e.ID != ".BackupRoot/kv" {
				t.Errorf("kv entry = %+v", e)
			}
		default:
			t.Errorf("unexpected entry %q", e.Name)
		}
	}
}

func TestProvider_CreateCollisionFails(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	if _, err := p.CreateFile(ctx, p.Root(), "full", ""); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	_, err := p.CreateFile(ctx, p.Root(), "full", "")
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("second CreateFile() error = %v, want fs.ErrExist", err)
	}
}

func TestProvider_InvalidNames(t *testing.T) {
	p, _ := newTestProvider(t)
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := p.CreateFile(context.Background(), p.Root(), name, ""); err == nil {
			t.Errorf("CreateFile(%q) should fail", name)
		}
	}
}

func TestProvider_PendingMarkerMakesListingStale(t *testing.T) {
	ctx := context.Background()
	p, root := newTestProvider(t)

	marker := filepath.Join(root, DefaultPendingMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}

	listing, err := p.Query(ctx, p.Root())
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	defer listing.Close()
	if !listing.Stale() {
		t.Fatal("listing with a pending marker should be stale")
	}
	if len(listing.Entries) != 0 {
		t.Errorf("marker should not be listed, got %+v", listing.Entries)
	}

	fired := make(chan struct{})
	stop := listing.Watch(func() { close(fired) })
	defer stop()

	if err := os.Remove(marker); err != nil {
		t.Fatalf("failed to remove marker: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("removing the marker did not fire the notification")
	}

	listing, err = p.Query(ctx, p.Root())
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if listing.Stale() {
		t.Error("listing after marker removal should be fresh")
	}
}

func TestProvider_WriteCommitsOnClose(t *testing.T) {
	ctx := context.Background()
	p, root := newTestProvider(t)

	f, err := p.CreateFile(ctx, p.Root(), "settings", "")
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	w, err := p.OpenWriter(ctx, f)
	if err != nil {
		t.Fatalf("OpenWriter() error = %v", err)
	}
	if _, err := io.WriteString(w, "payload"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// The partial file is hidden and the target is still empty
	listing, err := p.Query(ctx, p.Root())
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "settings" {
		t.Errorf("entries during write = %+v, want only settings", listing.Entries)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "settings")); len(data) != 0 {
		t.Errorf("target = %q before Close, want empty", data)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := p.OpenReader(ctx, f)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q, want payload", data)
	}
}

func TestProvider_Delete(t *testing.T) {
	ctx := context.Background()
	p, root := newTestProvider(t)

	dir, _ := p.CreateDirectory(ctx, p.Root(), "kv")
	if _, err := p.CreateFile(ctx, dir, "a", ""); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}

	if err := p.Delete(ctx, dir); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "kv")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("directory survived delete: %v", err)
	}
	if err := p.Delete(ctx, dir); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second Delete() error = %v, want fs.ErrNotExist", err)
	}
	if err := p.Delete(ctx, p.Root()); err == nil {
		t.Error("Delete(root) should fail")
	}
}
