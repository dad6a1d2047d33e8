package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WriteSyncCloser is a log sink that can be flushed and closed.
type WriteSyncCloser interface {
	io.WriteCloser
	Sync() error
}

// RotatingWriter is the bridge's file sink. BasePath names a logical file such
// as logs/bridge.log; entries land in dated segments next to it:
//
//	logs/bridge-2025-10-26.log
//	logs/bridge-2025-10-26-2.log
//
// A new segment starts at each UTC day and whenever a write would push the
// current one past MaxBytes. After a restart the writer resumes in the newest
// segment of the day. BasePath itself is kept as a relative symlink to the
// active segment where the filesystem allows it.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64
	// Now defaults to time.Now.
	Now func() time.Time

	mu   sync.Mutex
	seg  segment
	file *os.File
	size int64
}

// segment identifies one output file: the UTC day and the 1-based rollover
// index within that day.
type segment struct {
	day   string
	index int
}

// NewRotatingWriter opens the current segment for basePath. A basePath of "-"
// returns a sink that drops everything.
func NewRotatingWriter(basePath string, maxBytes int64) (WriteSyncCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardSink{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.advance(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.advance(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes the active segment.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// advance switches segments when the day changed or the next write of n
// bytes would overflow the active one. An empty segment always takes the
// write, so a single oversized entry does not spin through indexes.
func (w *RotatingWriter) advance(n int64) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	day := now().UTC().Format(time.DateOnly)
	switch {
	case w.file == nil && w.seg.day == day:
		return w.open(w.seg)
	case w.file == nil || w.seg.day != day:
		return w.open(segment{day: day, index: w.latestIndex(day)})
	case w.size > 0 && w.size+n > w.MaxBytes:
		return w.open(segment{day: day, index: w.seg.index + 1})
	}
	return nil
}

func (w *RotatingWriter) open(seg segment) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if err := os.MkdirAll(w.dir(), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(w.dir(), w.segmentName(seg))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.seg, w.file, w.size = seg, f, size
	w.linkBase(filepath.Base(path))
	return nil
}

func (w *RotatingWriter) dir() string {
	if d := filepath.Dir(w.BasePath); d != "" {
		return d
	}
	return "."
}

// stem splits the base file name into prefix and extension, defaulting the
// extension to .log.
func (w *RotatingWriter) stem() (string, string) {
	name := filepath.Base(w.BasePath)
	ext := filepath.Ext(name)
	prefix := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	return prefix, ext
}

func (w *RotatingWriter) segmentName(seg segment) string {
	prefix, ext := w.stem()
	if seg.index <= 1 {
		return prefix + "-" + seg.day + ext
	}
	return prefix + "-" + seg.day + "-" + strconv.Itoa(seg.index) + ext
}

// latestIndex returns the highest rollover index already on disk for day, or 1.
func (w *RotatingWriter) latestIndex(day string) int {
	prefix, ext := w.stem()
	matches, _ := filepath.Glob(filepath.Join(w.dir(), prefix+"-"+day+"*"+ext))
	latest := 1
	for _, m := range matches {
		rest := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix+"-"+day), ext)
		if rest == "" {
			continue
		}
		if i, err := strconv.Atoi(strings.TrimPrefix(rest, "-")); err == nil && i > latest {
			latest = i
		}
	}
	return latest
}

// linkBase points BasePath at the active segment. Failures are ignored; the
// segments are still written.
func (w *RotatingWriter) linkBase(target string) {
	if dest, err := os.Readlink(w.BasePath); err == nil && dest == target {
		return
	}
	if info, err := os.Lstat(w.BasePath); err == nil && !info.Mode().IsDir() {
		_ = os.Remove(w.BasePath)
	}
	_ = os.Symlink(target, w.BasePath)
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Sync() error                 { return nil }
func (discardSink) Close() error                { return nil }
