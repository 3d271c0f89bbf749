package utils

import (
	"bytes"
	"testing"
	"time"
)

func TestProgressWriter(t *testing.T) {
	var dst bytes.Buffer
	var updates []int64

	pw := NewProgressWriter(&dst, func(written int64, elapsed time.Duration) {
		updates = append(updates, written)
	})
	pw.updateEvery = 4

	data := "Hello, World!"
	for _, chunk := range []string{"Hel", "lo, ", "World!"} {
		if _, err := pw.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if dst.String() != data {
		t.Errorf("Expected %q, got %q", data, dst.String())
	}
	if pw.BytesWritten() != int64(len(data)) {
		t.Errorf("Expected count %d, got %d", len(data), pw.BytesWritten())
	}
	// Totals 3, 7 and 13: the last two writes each cross a boundary
	if len(updates) != 2 || updates[0] != 7 || updates[1] != 13 {
		t.Errorf("updates = %v, want [7 13]", updates)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{bytes: 0, want: "0 B"},
		{bytes: 1023, want: "1023 B"},
		{bytes: 1024, want: "1.0 KB"},
		{bytes: 1536, want: "1.5 KB"},
		{bytes: 10 * 1024 * 1024, want: "10.0 MB"},
		{bytes: 3 * 1024 * 1024 * 1024, want: "3.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatBytes(tt.bytes); got != tt.want {
				t.Errorf("FormatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestFormatRate(t *testing.T) {
	if got := FormatRate(2048); got != "2.0 KB/s" {
		t.Errorf("FormatRate(2048) = %q, want 2.0 KB/s", got)
	}
}

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(16)

	buf := pool.Get()
	if len(buf) != 16 {
		t.Fatalf("Get() len = %d, want 16", len(buf))
	}
	pool.Put(buf[:4])
	if got := pool.Get(); len(got) != 16 {
		t.Errorf("Get() after Put of a resliced buffer len = %d, want 16", len(got))
	}

	// Foreign buffers are dropped rather than pooled
	pool.Put(make([]byte, 8))
	if got := pool.Get(); len(got) != 16 {
		t.Errorf("Get() len = %d, want 16", len(got))
	}

	if got := DefaultBufferPool.Get(); len(got) != CopyBufferSize {
		t.Errorf("DefaultBufferPool.Get() len = %d, want %d", len(got), CopyBufferSize)
	}
}
