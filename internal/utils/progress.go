package utils

import (
	"fmt"
	"io"
	"time"
)

// DefaultProgressInterval is how many bytes pass between progress reports.
const DefaultProgressInterval = 10 * 1024 * 1024

// ProgressWriter counts bytes written through it and reports progress each
// time another interval of bytes has passed. It is not safe for concurrent
// writes.
type ProgressWriter struct {
	writer       io.Writer
	bytesWritten int64
	startTime    time.Time
	updateFunc   func(bytesWritten int64, elapsed time.Duration)
	updateEvery  int64
	next         int64
}

// NewProgressWriter creates a new progress tracking writer. updateFunc may be nil.
func NewProgressWriter(writer io.Writer, updateFunc func(bytesWritten int64, elapsed time.Duration)) *ProgressWriter {
	return &ProgressWriter{
		writer:      writer,
		startTime:   time.Now(),
		updateFunc:  updateFunc,
		updateEvery: DefaultProgressInterval,
	}
}

// Write implements io.Writer.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	if n <= 0 {
		return n, err
	}
	pw.bytesWritten += int64(n)

	if pw.next == 0 {
		pw.next = pw.updateEvery
	}
	if pw.updateFunc != nil && pw.bytesWritten >= pw.next {
		pw.updateFunc(pw.bytesWritten, time.Since(pw.startTime))
	}
	for pw.next <= pw.bytesWritten {
		pw.next += pw.updateEvery
	}
	return n, err
}

// BytesWritten returns the total number of bytes written.
func (pw *ProgressWriter) BytesWritten() int64 {
	return pw.bytesWritten
}

// FormatBytes formats bytes in human-readable format.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatRate formats transfer rate in human-readable format.
func FormatRate(bytesPerSecond float64) string {
	return fmt.Sprintf("%s/s", FormatBytes(int64(bytesPerSecond)))
}
