package remote

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/llm-perf/perf-hub/internal/abstractions"
)

// maxLineBytes bounds a line without a newline; longer output is split.
const maxLineBytes = 1 << 20

// lineWriter turns a byte stream into calls of the line handler.
type lineWriter struct {
	mu     sync.Mutex
	stream abstractions.Stream
	onLine abstractions.LineHandler
	buf    []byte
}

func newLineWriter(stream abstractions.Stream, onLine abstractions.LineHandler) *lineWriter {
	return &lineWriter{stream: stream, onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.onLine != nil {
		w.onLine(w.stream, strings.TrimRight(string(line), "\r"))
	}
}

// pgidMarker prefixes the line with the process group id printed by the
// command wrapper.
const pgidMarker = "__PERF_HUB_PGID__:"

// wrapCommand runs command in its own session so that the whole process group
// can be signalled, printing the group id on the first line.
func wrapCommand(command string) string {
	inner := "echo " + pgidMarker + "$$; exec sh -c " + ShellQuote(command)
	return "if command -v setsid >/dev/null 2>&1; then exec setsid -w sh -c " + ShellQuote(inner) +
		"; else exec sh -c " + ShellQuote(inner) + "; fi"
}

func parseMarker(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, pgidMarker)
	if !ok {
		return 0, false
	}
	pgid, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || pgid <= 1 {
		return 0, false
	}
	return pgid, true
}
