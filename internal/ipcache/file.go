package ipcache

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

const defaultRecheck = 10 * time.Second

type FileConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Path of the backing file. Empty means no backing file: the set only
	// holds entries added at runtime and reports NoData until one is added.
	Path string

	// Recheck is how often the backing file's mtime is probed.
	Recheck time.Duration
}

func (c *FileConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Recheck == 0 {
		c.Recheck = defaultRecheck
	}
	if c.Recheck <= 0 {
		return errors.New("recheck interval must be > 0")
	}
	return nil
}

// File is a Cache kept in sync with a backing file. Lookups and runtime
// additions trigger an mtime probe at most once per recheck interval; a reload
// replaces the whole set.
// All methods are safe for concurrent use.
type File struct {
	log   *slog.Logger
	clock clockwork.Clock
	path  string

	recheck time.Duration

	mu        sync.Mutex
	cache     Cache
	nextCheck time.Time
	mtime     time.Time
}

func NewFile(cfg *FileConfig) (*File, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &File{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		path:    cfg.Path,
		recheck: cfg.Recheck,
	}, nil
}

// Contains rechecks the backing file if due, then looks s up.
func (f *File) Contains(s string) Result {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recheckLocked(now)
	return f.cache.Contains(s, now)
}

// AddWithDuration inserts a runtime ban entry, permanent when d <= 0. The
// backing file is rechecked first, so a pending load does not drop the entry.
func (f *File) AddWithDuration(s string, d time.Duration) {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recheckLocked(now)
	f.cache.AddWithDuration(s, d, now)
}

// Remove deletes a literal entry.
func (f *File) Remove(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Remove(s)
}

// Len reports the number of literal entries currently held.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}

// Invalidate forces the next lookup to probe the backing file.
func (f *File) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCheck = time.Time{}
	f.mtime = time.Time{}
}

func (f *File) recheckLocked(now time.Time) {
	if f.path == "" || now.Before(f.nextCheck) {
		return
	}
	f.nextCheck = now.Add(f.recheck)

	fi, err := os.Stat(f.path)
	if err != nil {
		if !f.mtime.IsZero() {
			f.log.Warn("access file went away, keeping entries", "path", f.path, "error", err)
		}
		return
	}
	if fi.ModTime().Equal(f.mtime) {
		return
	}
	f.mtime = fi.ModTime()

	fh, err := os.Open(f.path)
	if err != nil {
		f.log.Warn("failed to open access file", "path", f.path, "error", err)
		return
	}
	defer fh.Close()

	f.cache.Clear()
	count := 0
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f.cache.Add(line, time.Time{})
		count++
	}
	if err := sc.Err(); err != nil {
		f.log.Warn("failed reading access file", "path", f.path, "error", err)
	}
	f.log.Info("access file loaded", "path", f.path, "entries", count)
}

// Watch invalidates the recheck timer whenever the backing file changes, so
// edits are picked up on the next lookup instead of the next interval. It
// returns once the watcher is installed and stops when ctx is done.
func (f *File) Watch(ctx context.Context) error {
	if f.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(f.path); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					f.Invalidate()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Warn("access file watch error", "path", f.path, "error", err)
			}
		}
	}()
	return nil
}
