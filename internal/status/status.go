// Package status maintains sidecar heartbeat files and evaluates them for
// health probes. The connector and listener processes write a JSON status
// document; the API server reads it back without any direct coupling.
package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Writer maintains one JSON status file with atomic replace semantics.
type Writer struct {
	path string
	log  zerolog.Logger

	mu     sync.Mutex
	fields map[string]any
}

func NewWriter(path string, log zerolog.Logger) *Writer {
	w := &Writer{path: path, log: log, fields: map[string]any{}}
	w.fields["started_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	w.fields["pid"] = os.Getpid()
	return w
}

// Set merges fields into the document and rewrites the file.
func (w *Writer) Set(fields map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range fields {
		w.fields[k] = v
	}
	w.writeLocked()
}

// SetState updates only the state field.
func (w *Writer) SetState(state string) {
	w.Set(map[string]any{"state": state})
}

// Increment adds delta to a numeric counter field and rewrites the file.
func (w *Writer) Increment(key string, delta int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current, _ := w.fields[key].(int64)
	if f, ok := w.fields[key].(float64); ok {
		current = int64(f)
	}
	w.fields[key] = current + delta
	w.writeLocked()
}

// Touch rewrites the file so updated_at stays fresh.
func (w *Writer) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked()
}

// RunHeartbeat refreshes the file every interval until ctx is done.
func (w *Writer) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Touch()
		}
	}
}

func (w *Writer) writeLocked() {
	if w.path == "" {
		return
	}
	w.fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.MarshalIndent(w.fields, "", "  ")
	if err != nil {
		w.log.Error().Err(err).Msg("status marshal failed")
		return
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Debug().Err(err).Str("dir", dir).Msg("status dir unavailable")
		return
	}
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		w.log.Debug().Err(err).Msg("status temp file failed")
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		w.log.Debug().Err(err).Str("path", w.path).Msg("status rename failed")
	}
}

// Health is the probe result for one status file.
type Health struct {
	Healthy           bool           `json:"healthy"`
	State             string         `json:"state"`
	Reason            string         `json:"reason,omitempty"`
	AgeSeconds        *float64       `json:"age_seconds,omitempty"`
	StaleAfterSeconds int            `json:"stale_after_seconds"`
	StatusPath        string         `json:"status_path"`
	Status            map[string]any `json:"status,omitempty"`

	// Unreadable maps to HTTP 500 at the API layer.
	Unreadable bool `json:"-"`
}

// Evaluate reads a status file and decides whether the process behind it is
// alive: state must be in runningStates and the file younger than staleAfter.
func Evaluate(path string, staleAfter int, runningStates []string, now time.Time) Health {
	if staleAfter < 10 {
		staleAfter = 10
	}
	health := Health{StaleAfterSeconds: staleAfter, StatusPath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		health.State = "not_running"
		health.Reason = "status_file_missing"
		return health
	}
	var doc map[string]any
	if err != nil || json.Unmarshal(data, &doc) != nil {
		health.State = "unknown"
		health.Reason = "status_file_unreadable"
		health.Unreadable = true
		return health
	}

	state := "unknown"
	if s, ok := doc["state"].(string); ok && strings.TrimSpace(s) != "" {
		state = strings.ToLower(strings.TrimSpace(s))
	}
	age := staleAge(doc, now)

	running := false
	for _, s := range runningStates {
		if state == s {
			running = true
			break
		}
	}

	rounded := float64(int(age*100)) / 100
	health.State = state
	health.AgeSeconds = &rounded
	health.Healthy = running && age <= float64(staleAfter) && state != "error"
	health.Status = doc
	return health
}

func staleAge(doc map[string]any, now time.Time) float64 {
	raw, _ := doc["updated_at"].(string)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			age := now.Sub(ts).Seconds()
			if age < 0 {
				return 0
			}
			return age
		}
	}
	// Unparseable timestamps count as stale.
	return 1 << 30
}

// Running-state sets for the two sidecar processes.
var (
	ConnectorRunningStates = []string{"running", "subscribed", "connecting", "reconnecting", "starting"}
	ListenerRunningStates  = []string{"running", "starting", "stopping"}
)
