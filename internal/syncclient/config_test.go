package syncclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotThresholdDefault(t *testing.T) {
	t.Setenv("TDSYNC_SNAPSHOT_THRESHOLD", "")
	t.Setenv("HOME", t.TempDir())

	if got := GetSnapshotThreshold(); got != 100 {
		t.Fatalf("default threshold: got %d, want 100", got)
	}
}

func TestSnapshotThresholdEnvVar(t *testing.T) {
	t.Setenv("TDSYNC_SNAPSHOT_THRESHOLD", "500")

	if got := GetSnapshotThreshold(); got != 500 {
		t.Fatalf("env threshold: got %d, want 500", got)
	}
}

func TestSnapshotThresholdEnvVarInvalid(t *testing.T) {
	t.Setenv("TDSYNC_SNAPSHOT_THRESHOLD", "not-a-number")
	t.Setenv("HOME", t.TempDir())

	if got := GetSnapshotThreshold(); got != 100 {
		t.Fatalf("invalid env threshold: got %d, want 100 (default)", got)
	}
}

func TestSnapshotThresholdEnvVarZero(t *testing.T) {
	t.Setenv("TDSYNC_SNAPSHOT_THRESHOLD", "0")

	if got := GetSnapshotThreshold(); got != 0 {
		t.Fatalf("zero env threshold: got %d, want 0 (disabled)", got)
	}
}

// writeTestConfig creates a temp HOME with ~/.config/tdsync/config.json.
func writeTestConfig(t *testing.T, cfg *FileConfig) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	dir := filepath.Join(tmpDir, ".config", "tdsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestAutoSyncEnabledFromConfig(t *testing.T) {
	writeTestConfig(t, &FileConfig{Sync: syncFileConfig{Auto: autoSyncFileConfig{Enabled: boolPtr(false)}}})
	t.Setenv("TDSYNC_AUTO", "")
	if GetAutoSyncEnabled() {
		t.Error("expected auto-sync disabled from config")
	}
}

func TestFlushIntervalFromConfig(t *testing.T) {
	writeTestConfig(t, &FileConfig{Sync: syncFileConfig{Auto: autoSyncFileConfig{Debounce: "10s"}}})
	t.Setenv("TDSYNC_FLUSH_INTERVAL", "")
	if d := GetFlushInterval(); d != 10*time.Second {
		t.Errorf("expected 10s from config, got %v", d)
	}
}

func TestPullIntervalFromConfig(t *testing.T) {
	writeTestConfig(t, &FileConfig{Sync: syncFileConfig{Auto: autoSyncFileConfig{Interval: "15m"}}})
	t.Setenv("TDSYNC_PULL_INTERVAL", "")
	if d := GetPullInterval(); d != 15*time.Minute {
		t.Errorf("expected 15m from config, got %v", d)
	}
}

func TestAutoSyncEnvOverridesConfig(t *testing.T) {
	writeTestConfig(t, &FileConfig{Sync: syncFileConfig{Auto: autoSyncFileConfig{
		Enabled:  boolPtr(false),
		Debounce: "10s",
		Interval: "15m",
	}}})

	t.Setenv("TDSYNC_AUTO", "true")
	if !GetAutoSyncEnabled() {
		t.Error("env should override config for enabled")
	}

	t.Setenv("TDSYNC_FLUSH_INTERVAL", "500ms")
	if d := GetFlushInterval(); d != 500*time.Millisecond {
		t.Errorf("env should override config for flush interval, got %v", d)
	}

	t.Setenv("TDSYNC_PULL_INTERVAL", "30s")
	if d := GetPullInterval(); d != 30*time.Second {
		t.Errorf("env should override config for pull interval, got %v", d)
	}
}

func TestAuthRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if creds, err := LoadAuth(); err != nil || creds != nil {
		t.Fatalf("expected no auth file yet, got %+v, %v", creds, err)
	}

	creds := &AuthCredentials{APIKey: "key-1", Email: "a@example.com"}
	if err := SaveAuth(creds); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadAuth()
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.APIKey != "key-1" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if !IsAuthenticated() {
		t.Fatal("expected IsAuthenticated true after SaveAuth")
	}

	if err := ClearAuth(); err != nil {
		t.Fatal(err)
	}
	if IsAuthenticated() {
		t.Fatal("expected IsAuthenticated false after ClearAuth")
	}
}

func TestGetDeviceIDGeneratesAndPersists(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	id1, err := GetDeviceID()
	if err != nil || id1 == "" {
		t.Fatalf("GetDeviceID = %q, %v", id1, err)
	}
	id2, err := GetDeviceID()
	if err != nil || id2 != id1 {
		t.Fatalf("expected stable device id across calls, got %q then %q", id1, id2)
	}
}

func TestLoadEngineConfigUsesDeviceIDAndIntervals(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TDSYNC_FLUSH_INTERVAL", "7s")
	t.Setenv("TDSYNC_PULL_INTERVAL", "11s")

	cfg, err := LoadEngineConfig("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProjectID != "proj-1" {
		t.Fatalf("ProjectID = %q", cfg.ProjectID)
	}
	if cfg.ClientID == "" {
		t.Fatal("expected a resolved ClientID")
	}
	if cfg.FlushInterval != 7*time.Second || cfg.PullInterval != 11*time.Second {
		t.Fatalf("intervals = %+v", cfg)
	}
}
