// Package fsmon tracks agent log files on disk: incremental reads with
// per-file offsets, bounded directory scans, and change notifications.
package fsmon

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// Reader performs incremental reads of append-only files. Offsets are
// keyed by (consumer, path) so independent consumers of the same file do
// not disturb each other's progress. Offset state lives for the process
// lifetime only; a restart re-reads from byte zero and relies on
// content-level dedup downstream.
type Reader struct {
	mu      sync.Mutex
	offsets map[string]int64
}

func NewReader() *Reader {
	return &Reader{offsets: make(map[string]int64)}
}

func offsetKey(consumer, path string) string {
	return consumer + "\x00" + path
}

// ReadNewLines returns the complete lines appended to path since the last
// call with the same consumer key. Only lines terminated by '\n' are
// returned; a partial trailing line (a write in progress) is left for the
// next call, which resumes from the same offset. Returned lines have the
// trailing newline stripped; blank lines are dropped.
func (r *Reader) ReadNewLines(consumer, path string) ([]string, error) {
	key := offsetKey(consumer, path)

	r.mu.Lock()
	offset := r.offsets[key]
	r.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset > 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		// File truncated or replaced: start over.
		if info.Size() < offset {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	var lines []string
	reader := bufio.NewReader(f)
	parsedOffset := offset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			r.setOffset(key, parsedOffset)
			return lines, err
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete line: don't advance past it.
			break
		}

		parsedOffset += int64(len(line))
		if trimmed := string(line[:len(line)-1]); trimmed != "" {
			lines = append(lines, trimmed)
		}

		if err == io.EOF {
			break
		}
	}

	r.setOffset(key, parsedOffset)
	return lines, nil
}

func (r *Reader) setOffset(key string, offset int64) {
	r.mu.Lock()
	r.offsets[key] = offset
	r.mu.Unlock()
}

// Offset returns the stored offset for a consumer/path pair.
func (r *Reader) Offset(consumer, path string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offsets[offsetKey(consumer, path)]
}

// Forget drops the stored offset so the next read starts from byte zero.
func (r *Reader) Forget(consumer, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.offsets, offsetKey(consumer, path))
}
