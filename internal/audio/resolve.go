package audio

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var recordingExts = []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"}

// Resolver locates uploaded call recordings that can serve as a fallback when
// no live buffer exists. It keeps an in-memory index of the uploads directory,
// kept current by an fsnotify watcher, and falls back to a directory scan
// when the watcher is unavailable.
type Resolver struct {
	dir     string
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	index map[string]struct{}
}

func NewResolver(dir string, log zerolog.Logger) *Resolver {
	r := &Resolver{dir: dir, log: log, index: make(map[string]struct{})}
	if dir == "" {
		return r
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("uploads dir unavailable, fallback recordings disabled")
		r.dir = ""
		return r
	}
	r.rescan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, falling back to per-request scans")
		return r
	}
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("cannot watch uploads dir")
		watcher.Close()
		return r
	}
	r.watcher = watcher
	go r.watch()
	return r
}

func (r *Resolver) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Rename) != 0:
				if isRecordingName(name) {
					r.mu.Lock()
					r.index[name] = struct{}{}
					r.mu.Unlock()
				}
			case ev.Op&fsnotify.Remove != 0:
				r.mu.Lock()
				delete(r.index, name)
				r.mu.Unlock()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Debug().Err(err).Msg("uploads watcher error")
		}
	}
}

func (r *Resolver) rescan() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	index := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isRecordingName(entry.Name()) {
			index[entry.Name()] = struct{}{}
		}
	}
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
}

// Resolve returns the path of an uploaded recording for the call, preferring
// an exact "<call_id>.<ext>" match and otherwise the lexically first
// "<call_id>_*" match. Empty string means no recording exists.
func (r *Resolver) Resolve(callID string) string {
	if r.dir == "" || callID == "" {
		return ""
	}
	safeID := SafeCallID(callID)

	r.mu.RLock()
	names := make([]string, 0, len(r.index))
	for name := range r.index {
		names = append(names, name)
	}
	r.mu.RUnlock()

	if len(names) == 0 {
		r.rescan()
		r.mu.RLock()
		for name := range r.index {
			names = append(names, name)
		}
		r.mu.RUnlock()
	}
	sort.Strings(names)

	for _, ext := range recordingExts {
		exact := safeID + ext
		for _, name := range names {
			if strings.EqualFold(name, exact) {
				return filepath.Join(r.dir, name)
			}
		}
	}
	prefix := strings.ToLower(safeID + "_")
	for _, name := range names {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			return filepath.Join(r.dir, name)
		}
	}
	return ""
}

// Available reports whether a fallback recording exists for the call.
func (r *Resolver) Available(callID string) bool {
	return r.Resolve(callID) != ""
}

// Close stops the directory watcher.
func (r *Resolver) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

func isRecordingName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, known := range recordingExts {
		if ext == known {
			return true
		}
	}
	return false
}
