// Package watcher produces a stream of FileReady events for a watched
// directory — the intake folder or the enforcement-log directory —
// preferring kernel notifications and transparently falling back to
// polling. Callers only ever see {events channel, close}; inotify vs.
// polling is an internal, runtime-swappable detail (§4.C, §9).
package watcher

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robinjoseph08/golib/logger"
)

// FileReady is one observed filesystem event under the watched
// directory.
type FileReady struct {
	Path  string
	Event string // "create" or "modify"
}

// Mode selects which watch strategy to use.
const (
	ModeAuto    = ""
	ModeInotify = "inotify"
	ModePoll    = "poll"
)

// Options configures a Watcher.
type Options struct {
	// Mode overrides auto-detection: "inotify" or "poll". Empty selects
	// automatically.
	Mode string
	// NetworkShareMode forces polling unconditionally (§4.C, §5).
	NetworkShareMode bool
	// PollInterval is the scan period used in polling mode.
	PollInterval time.Duration
}

// Watcher emits FileReady events for paths under Dir.
type Watcher struct {
	dir    string
	opts   Options
	log    logger.Logger
	events chan FileReady
	done   chan struct{}
	once   sync.Once
}

// New starts watching dir and returns a Watcher whose Events channel
// begins receiving immediately.
func New(dir string, opts Options) (*Watcher, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	w := &Watcher{
		dir:    dir,
		opts:   opts,
		log:    logger.New().Data(logger.Data{"component": "watcher", "dir": dir}),
		events: make(chan FileReady, 256),
		done:   make(chan struct{}),
	}

	if w.selectMode() == ModePoll {
		go w.runPoll()
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("inotify setup failed, falling back to polling", logger.Data{"error": err.Error()})
		go w.runPoll()
		return w, nil
	}
	if err := addRecursive(fsw, dir); err != nil {
		w.log.Warn("inotify recursive add failed, falling back to polling", logger.Data{"error": err.Error()})
		fsw.Close() //nolint:errcheck
		go w.runPoll()
		return w, nil
	}

	go w.runInotify(fsw)
	return w, nil
}

// Events returns the channel of observed file events. Never closed
// while the Watcher is running; closed once Close() has fully shut
// down the watcher.
func (w *Watcher) Events() <-chan FileReady {
	return w.events
}

// Close terminates the watcher's goroutine(s).
func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
	})
}

// selectMode applies the §4.C fallback-selection rules ahead of
// attempting to start in kernel-notification mode.
func (w *Watcher) selectMode() string {
	if w.opts.NetworkShareMode {
		return ModePoll
	}
	if w.opts.Mode == ModePoll {
		return ModePoll
	}
	if w.opts.Mode == ModeInotify {
		return ModeInotify
	}
	// Heuristic for "container on a non-Linux host": inotify is a Linux
	// kernel facility; anything else cannot offer it at all, regardless
	// of what the Go runtime reports for GOOS inside the container.
	if runtime.GOOS != "linux" {
		return ModePoll
	}
	return ModeInotify
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

// runInotify drains fsnotify's Events/Errors channels. A fatal stream
// error (the Errors channel closing, or the per-user watch-descriptor
// ceiling being reported) transparently switches this watcher instance
// to polling without dropping subsequent events — the caller's Events()
// channel is unaffected.
func (w *Watcher) runInotify(fsw *fsnotify.Watcher) {
	defer fsw.Close() //nolint:errcheck

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				w.log.Warn("inotify event stream closed, switching to polling", nil)
				go w.runPoll()
				return
			}
			if ev.Has(fsnotify.Create) {
				w.emit(ev.Name, "create")
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fsw.Add(ev.Name)
				}
			}
			if ev.Has(fsnotify.Write) {
				w.emit(ev.Name, "modify")
			}
		case err, ok := <-fsw.Errors:
			if !ok || err != nil {
				w.log.Warn("inotify error, switching to polling", logger.Data{"error": errString(err)})
				go w.runPoll()
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type seenEntry struct {
	size    int64
	modTime time.Time
}

// runPoll scans the directory tree at a fixed interval, remembering
// seen paths keyed by (path, size, mtime) and emitting an event when a
// new or changed path is observed.
func (w *Watcher) runPoll() {
	seen := map[string]seenEntry{}
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.pollOnce(seen)
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.pollOnce(seen)
		}
	}
}

func (w *Watcher) pollOnce(seen map[string]seenEntry) {
	current := map[string]seenEntry{}

	_ = filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		entry := seenEntry{size: info.Size(), modTime: info.ModTime()}
		current[path] = entry

		prev, existed := seen[path]
		if !existed {
			w.emit(path, "create")
		} else if prev != entry {
			w.emit(path, "modify")
		}
		return nil
	})

	for k := range seen {
		delete(seen, k)
	}
	for k, v := range current {
		seen[k] = v
	}
}

func (w *Watcher) emit(path, event string) {
	select {
	case w.events <- FileReady{Path: path, Event: event}:
	case <-w.done:
	}
}
