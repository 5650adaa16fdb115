// Package logtail reads the last lines of a log file without loading the
// whole file. Worker logs grow for days; the /api/logs surface only ever
// wants the tail.
package logtail

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// blockSize is how much is read per backward step.
const blockSize = 8192

// Tail returns the last n lines of the file at path, oldest first. The file
// is read backwards in fixed-size blocks, so the cost is bounded by the tail
// size rather than the file size.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path) // #nosec G304 -- path comes from the managed logs dir
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var (
		buf      []byte
		offset   = size
		block    = make([]byte, blockSize)
		newlines int
	)

	for offset > 0 && newlines <= n {
		readSize := int64(blockSize)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize

		if _, err := f.ReadAt(block[:readSize], offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read block at %d: %w", offset, err)
		}
		buf = append(append([]byte{}, block[:readSize]...), buf...)
		newlines = bytes.Count(buf, []byte{'\n'})
	}

	lines := splitTail(buf, n)
	return lines, nil
}

// splitTail returns the last n non-empty-terminated lines of buf.
func splitTail(buf []byte, n int) []string {
	// A trailing newline does not introduce an empty final line.
	buf = bytes.TrimSuffix(buf, []byte{'\n'})
	if len(buf) == 0 {
		return nil
	}

	parts := bytes.Split(buf, []byte{'\n'})
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}

	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = string(bytes.TrimSuffix(p, []byte{'\r'}))
	}
	return lines
}
