package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultLogLines = 2000
	maxLogTail      = 5000
	maxPartialBytes = 64 << 10
)

// LogBuffer is a ring of the most recent log lines. The logger tees its
// console output into it and /api/logs serves the tail.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []string
	next    int
	full    bool
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = defaultLogLines
	}
	return &LogBuffer{ring: make([]string, maxLines)}
}

// Write splits p on newlines. A trailing fragment waits for the next Write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := rest[:i]
		if len(b.partial) > 0 {
			line = append(b.partial, line...)
			b.partial = b.partial[:0]
		}
		b.pushLocked(string(bytes.TrimRight(line, "\r")))
		rest = rest[i+1:]
	}
	if len(rest) > 0 {
		b.partial = append(b.partial, rest...)
		if len(b.partial) > maxPartialBytes {
			b.pushLocked(string(b.partial))
			b.partial = b.partial[:0]
		}
	}
	return len(p), nil
}

// Sync satisfies zapcore.WriteSyncer.
func (b *LogBuffer) Sync() error { return nil }

func (b *LogBuffer) pushLocked(line string) {
	if line == "" {
		return
	}
	if b.full {
		b.dropped++
	}
	b.ring[b.next] = line
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// orderedLocked returns the buffered lines oldest first.
func (b *LogBuffer) orderedLocked() []string {
	if !b.full {
		return b.ring[:b.next]
	}
	out := make([]string, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Snapshot returns up to tail lines, newest last. When contains is set only
// matching lines count toward the tail.
func (b *LogBuffer) Snapshot(tail int, contains string) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = 200
	}
	all := b.orderedLocked()
	for i := len(all) - 1; i >= 0 && len(lines) < tail; i-- {
		if contains == "" || strings.Contains(all[i], contains) {
			lines = append(lines, all[i])
		}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, b.dropped
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail))
				return
			}
			tail = v
		}
		lines, dropped := b.Snapshot(tail, q.Get("q"))
		if lines == nil {
			lines = []string{}
		}

		w.Header().Set("Cache-Control", "no-store")
		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			_, _ = fmt.Fprint(w, strings.Join(lines, "\n"))
			if len(lines) > 0 {
				_, _ = fmt.Fprint(w, "\n")
			}
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
