package syncclient

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// autoSyncFileConfig mirrors the "auto" section of the on-disk config file;
// nil bool fields mean "unset, use the built-in default" rather than false.
type autoSyncFileConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	OnStart  *bool  `json:"on_start,omitempty"`
	Debounce string `json:"debounce,omitempty"`
	Interval string `json:"interval,omitempty"`
	Pull     *bool  `json:"pull,omitempty"`
}

// syncFileConfig is the "sync" section of ~/.config/tdsync/config.json.
type syncFileConfig struct {
	URL               string             `json:"url"`
	SnapshotThreshold *int               `json:"snapshot_threshold,omitempty"`
	Auto              autoSyncFileConfig `json:"auto"`
}

// FileConfig is the client's on-disk config at ~/.config/tdsync/config.json,
// separate from per-invocation env overrides the way api.Config separates
// env-loaded server settings from CLI flags.
type FileConfig struct {
	Sync syncFileConfig `json:"sync"`
}

// AuthCredentials is the client's on-disk credential file at
// ~/.config/tdsync/auth.json, kept apart from FileConfig so it can carry
// stricter file permissions (0600 vs 0644).
type AuthCredentials struct {
	APIKey    string `json:"api_key"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ServerURL string `json:"server_url"`
	DeviceID  string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns ~/.config/tdsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "tdsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadFileConfig reads the client config from ~/.config/tdsync/config.json.
// A missing file is not an error; it just means every setting falls back to
// its env var or built-in default.
func LoadFileConfig() (*FileConfig, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveFileConfig writes the client config to ~/.config/tdsync/config.json.
func SaveFileConfig(cfg *FileConfig) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads credentials from ~/.config/tdsync/auth.json. A missing
// file returns (nil, nil): the client is simply not authenticated yet.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes credentials to ~/.config/tdsync/auth.json with 0600
// permissions, since it carries an API key.
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes auth.json, e.g. on logout.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetServerURL resolves the sync server's base URL.
// Priority: TDSYNC_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("TDSYNC_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAPIKey resolves the API key used to authenticate transport requests.
// Priority: TDSYNC_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("TDSYNC_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// IsAuthenticated reports whether an API key is available by any means.
func IsAuthenticated() bool {
	return GetAPIKey() != ""
}

// GetDeviceID returns the device id from auth.json, generating and
// persisting one on first use so ClientID stays stable across restarts.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}

	id, err := generateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

func generateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetSnapshotThreshold returns the client's preferred snapshot page size
// hint, a value for wire.PullRequest.LimitSnapshotRows. Engine does not
// call it: pullOnce leaves LimitSnapshotRows unset, so the server default
// applies.
// Priority: TDSYNC_SNAPSHOT_THRESHOLD env > config.json > default (100).
func GetSnapshotThreshold() int {
	if v := os.Getenv("TDSYNC_SNAPSHOT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.SnapshotThreshold != nil && *cfg.Sync.SnapshotThreshold >= 0 {
		return *cfg.Sync.SnapshotThreshold
	}
	return 100
}

func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// GetAutoSyncEnabled reports whether the flush/pull loops should run at all.
// Priority: TDSYNC_AUTO env > config.json sync.auto.enabled > true.
func GetAutoSyncEnabled() bool {
	if v := parseBoolEnv("TDSYNC_AUTO"); v != nil {
		return *v
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.Auto.Enabled != nil {
		return *cfg.Sync.Auto.Enabled
	}
	return true
}

// GetAutoSyncOnStart reports whether SyncOnce should run immediately on
// startup, ahead of the first flush/pull tick.
// Priority: TDSYNC_AUTO_START env > config.json sync.auto.on_start > true.
func GetAutoSyncOnStart() bool {
	if v := parseBoolEnv("TDSYNC_AUTO_START"); v != nil {
		return *v
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.Auto.OnStart != nil {
		return *cfg.Sync.Auto.OnStart
	}
	return true
}

// GetFlushInterval returns Engine.Start's flush-loop interval.
// Priority: TDSYNC_FLUSH_INTERVAL env > config.json sync.auto.debounce > 3s.
func GetFlushInterval() time.Duration {
	if v := os.Getenv("TDSYNC_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.Auto.Debounce != "" {
		if d, err := time.ParseDuration(cfg.Sync.Auto.Debounce); err == nil {
			return d
		}
	}
	return 3 * time.Second
}

// GetPullInterval returns Engine.Start's pull-loop interval.
// Priority: TDSYNC_PULL_INTERVAL env > config.json sync.auto.interval > 5m.
func GetPullInterval() time.Duration {
	if v := os.Getenv("TDSYNC_PULL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.Auto.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Auto.Interval); err == nil {
			return d
		}
	}
	return 5 * time.Minute
}

// GetAutoSyncPull reports whether the auto-sync loop should pull as well as
// push. A client that only ever originates local mutations (e.g. a
// write-only ingestion agent) can set this false to skip the pull loop.
// Priority: TDSYNC_AUTO_PULL env > config.json sync.auto.pull > true.
func GetAutoSyncPull() bool {
	if v := parseBoolEnv("TDSYNC_AUTO_PULL"); v != nil {
		return *v
	}
	cfg, err := LoadFileConfig()
	if err == nil && cfg.Sync.Auto.Pull != nil {
		return *cfg.Sync.Auto.Pull
	}
	return true
}

// LoadEngineConfig assembles an Engine Config from the environment and the
// on-disk file config, the client-side analogue of api.LoadConfig: callers
// still provide projectID (scoped per sync session) but everything else
// resolves through the same env > file > default chain used above.
func LoadEngineConfig(projectID string) (Config, error) {
	clientID, err := GetDeviceID()
	if err != nil {
		return Config{}, fmt.Errorf("resolve client id: %w", err)
	}
	return Config{
		ClientID:         clientID,
		ProjectID:        projectID,
		PullLimitCommits: defaultPullLimitCommits,
		FlushInterval:    GetFlushInterval(),
		PullInterval:     GetPullInterval(),
	}, nil
}
