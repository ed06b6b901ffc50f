package proxyvisor

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

// TailEntry is a LogEvent with its position in a LogTail.
type TailEntry struct {
	ID int64 `json:"id"`
	LogEvent
}

// LogTail keeps the most recent LogEvents in a fixed-size ring.
type LogTail struct {
	mu       sync.RWMutex
	entries  []TailEntry
	capacity int
	nextID   int64
}

func NewLogTail(capacity int) *LogTail {
	if capacity < 1 {
		capacity = 1
	}
	return &LogTail{
		entries:  make([]TailEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends ev, evicting the oldest entry when full.
func (t *LogTail) Add(ev LogEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.capacity {
		copy(t.entries, t.entries[1:])
		t.entries = t.entries[:len(t.entries)-1]
	}
	t.entries = append(t.entries, TailEntry{ID: t.nextID, LogEvent: ev})
	t.nextID++
}

// Since returns up to limit entries with ID greater than id, optionally
// filtered to one instance. limit <= 0 means no limit. With id > 0 the oldest
// matching entries come first so a caller can page forward from its cursor;
// id == 0 returns the newest limit entries.
func (t *LogTail) Since(id int64, instance string, limit int) []TailEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TailEntry, 0)
	for _, e := range t.entries {
		if e.ID <= id || (instance != "" && e.Instance != instance) {
			continue
		}
		out = append(out, e)
		if id > 0 && limit > 0 && len(out) == limit {
			return out
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Latest returns the newest n entries, optionally filtered to one instance.
func (t *LogTail) Latest(n int, instance string) []TailEntry {
	return t.Since(0, instance, n)
}

// LatestID returns the ID of the newest entry, or 0 when empty.
func (t *LogTail) LatestID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].ID
}

// Consume adds events from sub until it is closed.
func (t *LogTail) Consume(sub *Subscription) {
	for ev := range sub.C {
		t.Add(ev)
	}
}

// FileSink writes each instance's events to <dir>/<name>.log, rotated by
// lumberjack.
type FileSink struct {
	dir   string
	mu    sync.Mutex
	files map[string]*lumberjack.Logger
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, files: make(map[string]*lumberjack.Logger)}
}

// Path returns the log file used for instance.
func (f *FileSink) Path(instance string) string {
	return filepath.Join(f.dir, SanitizeName(instance)+".log")
}

func (f *FileSink) Write(ev LogEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.files[ev.Instance]
	if !ok {
		w = newRotatingFile(f.Path(ev.Instance))
		f.files[ev.Instance] = w
	}
	_, err := fmt.Fprintf(w, "%s %s\n", ev.Time.Format(time.RFC3339), formatLine(ev))
	return err
}

// Consume writes events from sub until it is closed, then closes every file.
func (f *FileSink) Consume(sub *Subscription) {
	for ev := range sub.C {
		_ = f.Write(ev)
	}
	_ = f.Close()
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for name, w := range f.files {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(f.files, name)
	}
	return firstErr
}

// FollowWriter prints events as "[instance] line" until sub is closed.
func FollowWriter(w io.Writer, sub *Subscription) {
	for ev := range sub.C {
		fmt.Fprintf(w, "[%s] %s\n", ev.Instance, formatLine(ev))
	}
}

func formatLine(ev LogEvent) string {
	if ev.Kind == EventOutput {
		return ev.Line
	}
	return "-- " + ev.Line
}
