package testutil

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
)

// SSEBody renders each payload as a "data:" frame.
func SSEBody(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

// WriteSSE streams payloads as data frames, flushing after each one.
func WriteSSE(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, p := range payloads {
		_, _ = io.WriteString(w, SSEBody(p))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// ReadSSE collects the data payloads of an event stream, including [DONE].
func ReadSSE(t *testing.T, r io.Reader) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read event stream: %v", err)
	}
	return out
}
