package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWriterMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector_status.json")
	w := NewWriter(path, zerolog.Nop())

	w.Set(map[string]any{"state": "starting", "dry_run": false})
	w.Set(map[string]any{"state": "running", "channel_id": "chan-1"})
	w.Increment("forwarded_events", 1)
	w.Increment("forwarded_events", 2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}

	if doc["state"] != "running" {
		t.Errorf("state = %v, want running", doc["state"])
	}
	if doc["channel_id"] != "chan-1" {
		t.Errorf("channel_id = %v", doc["channel_id"])
	}
	if doc["forwarded_events"].(float64) != 3 {
		t.Errorf("forwarded_events = %v, want 3", doc["forwarded_events"])
	}
	if doc["updated_at"] == nil || doc["started_at"] == nil || doc["pid"] == nil {
		t.Error("bookkeeping fields missing")
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	writeStatus := func(t *testing.T, doc map[string]any) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "status.json")
		data, _ := json.Marshal(doc)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("missing_file", func(t *testing.T) {
		h := Evaluate(filepath.Join(t.TempDir(), "nope.json"), 90, ConnectorRunningStates, now)
		if h.Healthy || h.State != "not_running" || h.Reason != "status_file_missing" {
			t.Errorf("health = %+v", h)
		}
		if h.Unreadable {
			t.Error("missing file is not the unreadable case")
		}
	})

	t.Run("unreadable_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "status.json")
		os.WriteFile(path, []byte("{broken"), 0o644)
		h := Evaluate(path, 90, ConnectorRunningStates, now)
		if h.Healthy || h.State != "unknown" || h.Reason != "status_file_unreadable" || !h.Unreadable {
			t.Errorf("health = %+v", h)
		}
	})

	t.Run("fresh_running", func(t *testing.T) {
		path := writeStatus(t, map[string]any{
			"state":      "subscribed",
			"updated_at": now.Add(-30 * time.Second).Format(time.RFC3339Nano),
		})
		h := Evaluate(path, 90, ConnectorRunningStates, now)
		if !h.Healthy {
			t.Errorf("health = %+v, want healthy", h)
		}
		if h.AgeSeconds == nil || *h.AgeSeconds < 29 || *h.AgeSeconds > 31 {
			t.Errorf("age = %v, want ~30", h.AgeSeconds)
		}
	})

	t.Run("stale_running", func(t *testing.T) {
		path := writeStatus(t, map[string]any{
			"state":      "running",
			"updated_at": now.Add(-5 * time.Minute).Format(time.RFC3339Nano),
		})
		if h := Evaluate(path, 90, ConnectorRunningStates, now); h.Healthy {
			t.Errorf("stale heartbeat should be unhealthy: %+v", h)
		}
	})

	t.Run("error_state", func(t *testing.T) {
		path := writeStatus(t, map[string]any{
			"state":      "error",
			"updated_at": now.Format(time.RFC3339Nano),
		})
		if h := Evaluate(path, 90, ConnectorRunningStates, now); h.Healthy {
			t.Errorf("error state should be unhealthy: %+v", h)
		}
	})

	t.Run("stopped_listener", func(t *testing.T) {
		path := writeStatus(t, map[string]any{
			"state":      "stopped",
			"updated_at": now.Format(time.RFC3339Nano),
		})
		if h := Evaluate(path, 90, ListenerRunningStates, now); h.Healthy {
			t.Errorf("stopped state should be unhealthy: %+v", h)
		}
	})

	t.Run("stale_after_floor", func(t *testing.T) {
		h := Evaluate(filepath.Join(t.TempDir(), "nope.json"), 3, ConnectorRunningStates, now)
		if h.StaleAfterSeconds != 10 {
			t.Errorf("stale_after = %d, want floor 10", h.StaleAfterSeconds)
		}
	})
}
