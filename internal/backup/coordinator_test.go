package backup

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/imedwei/docprovider-backup/internal/config"
	"github.com/imedwei/docprovider-backup/internal/docfs"
	"github.com/imedwei/docprovider-backup/internal/hierarchy"
	"github.com/imedwei/docprovider-backup/internal/location"
	"github.com/imedwei/docprovider-backup/internal/provider"
	"github.com/imedwei/docprovider-backup/internal/provider/memory"
	"github.com/imedwei/docprovider-backup/internal/settings"
)

const testNow = 1700000000000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	coordinator *Coordinator
	cache       *hierarchy.Cache
	store       *settings.Store
	providers   []*memory.Provider
}

// current returns the provider of the active storage location.
func (e *testEnv) current() *memory.Provider {
	return e.providers[len(e.providers)-1]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	store, err := settings.Open(settings.Config{}, logger)
	if err != nil {
		t.Fatalf("settings.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{store: store}
	open := func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
		p := memory.New(memory.Options{})
		env.providers = append(env.providers, p)
		return p, nil
	}
	loc := location.NewWithOpener(&config.Config{StorageProvider: "memory"}, store, open, logger)

	env.cache = hierarchy.New(loc, 0, time.Second, logger)
	env.coordinator = NewCoordinator(env.cache, store, loc, logger)
	env.coordinator.now = func() time.Time { return time.UnixMilli(testNow) }
	return env
}

func readAll(t *testing.T, rc io.ReadCloser, err error) string {
	t.Helper()
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return string(data)
}

func TestCoordinator_StartSessionMintsToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	token, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if token != testNow {
		t.Errorf("StartSession() = %d, want %d", token, uint64(testNow))
	}
	if persisted, _ := env.store.ActiveToken(ctx); persisted != token {
		t.Errorf("persisted token = %d, want %d", persisted, token)
	}
	if env.cache.Token() != token {
		t.Errorf("cache token = %d, want %d", env.cache.Token(), token)
	}

	p := env.current()
	for _, name := range []string{hierarchy.RootDirName, "1700000000000", hierarchy.KVDirName, hierarchy.FullDirName} {
		if got := p.Count(name); got != 1 {
			t.Errorf("Count(%q) = %d, want 1", name, got)
		}
	}
}

func TestCoordinator_StartSessionReusesEmptySet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	env.coordinator.now = func() time.Time { return time.UnixMilli(testNow + 5000) }

	second, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	if second != first {
		t.Errorf("second StartSession() = %d, want reuse of %d", second, first)
	}
}

func TestCoordinator_FirstSessionConsumesStorageChange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	if err := env.store.MarkStorageChanged(ctx); err != nil {
		t.Fatalf("MarkStorageChanged() error = %v", err)
	}

	first, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	env.coordinator.now = func() time.Time { return time.UnixMilli(testNow + 5000) }

	second, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("second StartSession() error = %v", err)
	}
	if second != first {
		t.Errorf("second StartSession() = %d, want reuse of %d", second, first)
	}
	if changed, _ := env.store.GetAndResetStorageChanged(ctx); changed {
		t.Error("storage changed flag should have been consumed by the first session")
	}
}

func TestCoordinator_StartSessionAfterWritesMintsNewSet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := env.coordinator.WriteKV(ctx, "com.example.notes", strings.NewReader("kv-data")); err != nil {
		t.Fatalf("WriteKV() error = %v", err)
	}

	// Same clock reading: the new token must still move forward
	second, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if second != first+1 {
		t.Errorf("StartSession() = %d, want %d", second, first+1)
	}

	sets, err := env.coordinator.RestoreSets(ctx)
	if err != nil {
		t.Fatalf("RestoreSets() error = %v", err)
	}
	if len(sets) != 2 || sets[0] != second || sets[1] != first {
		t.Errorf("RestoreSets() = %v, want [%d %d]", sets, second, first)
	}

	// The previous set stays readable
	rc, err := env.coordinator.OpenKV(ctx, first, "com.example.notes")
	if got := readAll(t, rc, err); got != "kv-data" {
		t.Errorf("OpenKV(previous) = %q, want kv-data", got)
	}
}

func TestCoordinator_ChangeStorageStartsNewSet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	before := env.current()

	if err := env.coordinator.ChangeStorage(ctx, &config.Config{StorageProvider: "memory"}); err != nil {
		t.Fatalf("ChangeStorage() error = %v", err)
	}
	env.coordinator.now = func() time.Time { return time.UnixMilli(testNow + 1000) }

	second, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if second == first {
		t.Fatal("StartSession() after a storage change should not reuse the set")
	}
	if env.current() == before {
		t.Fatal("storage change should open a new provider")
	}
	if got := env.current().Count("1700000001000"); got != 1 {
		t.Errorf("new set directories on new storage = %d, want 1", got)
	}
}

func TestCoordinator_WriteAndOpen(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	token, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	n, err := env.coordinator.WriteFull(ctx, "com.example.photos", strings.NewReader("full-archive"))
	if err != nil {
		t.Fatalf("WriteFull() error = %v", err)
	}
	if n != int64(len("full-archive")) {
		t.Errorf("WriteFull() = %d bytes, want %d", n, len("full-archive"))
	}

	// Rewriting replaces the content of the same file
	if _, err := env.coordinator.WriteFull(ctx, "com.example.photos", strings.NewReader("v2")); err != nil {
		t.Fatalf("second WriteFull() error = %v", err)
	}
	if got := env.current().Count("com.example.photos"); got != 1 {
		t.Errorf("payload files = %d, want 1", got)
	}

	rc, err := env.coordinator.OpenFull(ctx, token, "com.example.photos")
	if got := readAll(t, rc, err); got != "v2" {
		t.Errorf("OpenFull() = %q, want v2", got)
	}

	_, err = env.coordinator.OpenKV(ctx, token, "com.example.photos")
	if !docfs.IsIOFailure(err) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenKV(missing) error = %v, want IOFailure wrapping fs.ErrNotExist", err)
	}

	_, err = env.coordinator.OpenKV(ctx, token+42, "com.example.photos")
	if !docfs.IsIOFailure(err) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenKV(unknown set) error = %v, want IOFailure wrapping fs.ErrNotExist", err)
	}
}

func TestCoordinator_Clear(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	token, err := env.coordinator.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	for _, pkg := range []string{"a", "b", "c"} {
		if _, err := env.coordinator.WriteKV(ctx, pkg, strings.NewReader(pkg)); err != nil {
			t.Fatalf("WriteKV(%s) error = %v", pkg, err)
		}
	}
	if _, err := env.coordinator.WriteFull(ctx, "a", strings.NewReader("full")); err != nil {
		t.Fatalf("WriteFull() error = %v", err)
	}

	if err := env.coordinator.ClearKV(ctx); err != nil {
		t.Fatalf("ClearKV() error = %v", err)
	}

	for _, pkg := range []string{"a", "b", "c"} {
		if _, err := env.coordinator.OpenKV(ctx, token, pkg); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("OpenKV(%s) after clear error = %v, want fs.ErrNotExist", pkg, err)
		}
	}
	rc, err := env.coordinator.OpenFull(ctx, token, "a")
	if got := readAll(t, rc, err); got != "full" {
		t.Errorf("OpenFull() after ClearKV = %q, want full", got)
	}

	if err := env.coordinator.ClearFull(ctx); err != nil {
		t.Fatalf("ClearFull() error = %v", err)
	}
	if _, err := env.coordinator.OpenFull(ctx, token, "a"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenFull() after ClearFull error = %v, want fs.ErrNotExist", err)
	}
}

func TestCoordinator_WithoutSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.coordinator.WriteKV(ctx, "pkg", strings.NewReader("x"))
	if !docfs.IsIOFailure(err) || !errors.Is(err, hierarchy.ErrNotInitialized) {
		t.Errorf("WriteKV() error = %v, want IOFailure wrapping ErrNotInitialized", err)
	}
	if err := env.coordinator.ClearFull(ctx); !errors.Is(err, hierarchy.ErrNotInitialized) {
		t.Errorf("ClearFull() error = %v, want ErrNotInitialized", err)
	}
}

func TestCoordinator_InvalidPackage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if _, err := env.coordinator.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	for _, pkg := range []string{"", ".", "..", "a/b"} {
		if _, err := env.coordinator.WriteKV(ctx, pkg, strings.NewReader("x")); err == nil {
			t.Errorf("WriteKV(%q) should fail", pkg)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("source closed")
}

func TestCoordinator_WriteSourceFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if _, err := env.coordinator.StartSession(ctx); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if _, err := env.coordinator.WriteKV(ctx, "pkg", failingReader{}); err == nil {
		t.Error("WriteKV() should surface the source failure")
	}
}

type fakeSettings struct {
	token  uint64
	getErr error
	setErr error
}

func (f *fakeSettings) ActiveToken(context.Context) (uint64, error) {
	return f.token, f.getErr
}

func (f *fakeSettings) SetActiveToken(_ context.Context, token uint64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.token = token
	return nil
}

func TestCoordinator_StartSessionSettingsFailure(t *testing.T) {
	tests := []struct {
		name     string
		settings *fakeSettings
	}{
		{name: "read failure", settings: &fakeSettings{getErr: errors.New("corrupt")}},
		{name: "write failure", settings: &fakeSettings{setErr: errors.New("read-only")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			c := NewCoordinator(env.cache, tt.settings, nil, discardLogger())
			if _, err := c.StartSession(context.Background()); err == nil {
				t.Error("StartSession() should fail")
			}
		})
	}
}

func TestCoordinator_StartSessionUnavailableStorage(t *testing.T) {
	logger := discardLogger()
	store, err := settings.Open(settings.Config{}, logger)
	if err != nil {
		t.Fatalf("settings.Open() error = %v", err)
	}
	defer store.Close()

	// No storage location configured
	loc := location.New(nil, store, logger)
	cache := hierarchy.New(loc, 0, time.Second, logger)
	c := NewCoordinator(cache, store, loc, logger)

	_, err = c.StartSession(context.Background())
	if !errors.Is(err, hierarchy.ErrNotInitialized) {
		t.Errorf("StartSession() error = %v, want ErrNotInitialized", err)
	}
}
