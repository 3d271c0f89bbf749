package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

// fakeClient is an in-memory object store with S3 delimiter semantics.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	calls   map[string]int

	// failures makes the next n calls of an operation fail
	failures map[string]int
	putErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		objects:  make(map[string][]byte),
		calls:    make(map[string]int),
		failures: make(map[string]int),
	}
}

func (f *fakeClient) Type() string {
	return "fake"
}

func (f *fakeClient) fail(op string) error {
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return fmt.Errorf("%s: transient failure", op)
	}
	return nil
}

func (f *fakeClient) Put(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("put"); err != nil {
		return err
	}
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[key] = data
	return nil
}

func (f *fakeClient) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeClient) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("delete"); err != nil {
		return err
	}
	if _, ok := f.objects[key]; !ok {
		return fmt.Errorf("object %q: %w", key, fs.ErrNotExist)
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeClient) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("list"); err != nil {
		return nil, err
	}

	prefixes := make(map[string]bool)
	var objects []ObjectInfo
	for key, data := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.Index(rest, Delimiter); i >= 0 {
			prefixes[prefix+rest[:i+1]] = true
			continue
		}
		objects = append(objects, ObjectInfo{Key: key, Size: int64(len(data))})
	}
	for p := range prefixes {
		objects = append(objects, ObjectInfo{Key: p, IsPrefix: true})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (f *fakeClient) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeClient) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

var errUploadRejected = errors.New("upload rejected")
