package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_Bot verifies conversation defaults
func TestDefaultConfig_Bot(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Bot.MaxLength != 200 {
		t.Errorf("MaxLength = %d, want 200", cfg.Bot.MaxLength)
	}
	if cfg.Bot.HistoryLimit != 20 {
		t.Errorf("HistoryLimit = %d, want 20", cfg.Bot.HistoryLimit)
	}
	if cfg.Bot.MessageCharLimit != 1000 {
		t.Errorf("MessageCharLimit = %d, want 1000", cfg.Bot.MessageCharLimit)
	}
	if cfg.Bot.DefaultIdleTime != 120 {
		t.Errorf("DefaultIdleTime = %d, want 120", cfg.Bot.DefaultIdleTime)
	}
	if cfg.Bot.DefaultVoice != "kobo" {
		t.Errorf("DefaultVoice = %q, want %q", cfg.Bot.DefaultVoice, "kobo")
	}
}

// TestDefaultConfig_Backend verifies backend endpoint and timeouts
func TestDefaultConfig_Backend(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend.Endpoint != "http://localhost:5001" {
		t.Errorf("Endpoint = %q, want http://localhost:5001", cfg.Backend.Endpoint)
	}
	if cfg.Backend.GenerateTimeout == 0 {
		t.Error("GenerateTimeout should not be zero")
	}
	if cfg.Backend.SearchTimeout == 0 {
		t.Error("SearchTimeout should not be zero")
	}
}

// TestDefaultConfig_Channels verifies Discord config defaults
func TestDefaultConfig_Channels(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Channels.Discord.Token != "" {
		t.Error("Discord token should be empty by default")
	}
}

// TestDefaultConfig_Persistence verifies persistence defaults
func TestDefaultConfig_Persistence(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Persistence.SettingsPath == "" {
		t.Error("SettingsPath should not be empty")
	}
	if cfg.Persistence.PersistHistory {
		t.Error("PersistHistory should be off by default")
	}
	if cfg.Persistence.AutosaveCron == "" {
		t.Error("AutosaveCron should not be empty")
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bot.HistoryLimit != 20 {
		t.Fatalf("expected default history limit, got %d", cfg.Bot.HistoryLimit)
	}
}

func TestLoadConfig_FileAndEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"bot": {"default_idle_time": 60}, "backend": {"endpoint": "http://kobold:5001/"}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("KOBOCORD_BOT_DEFAULT_VOICE", "cheery")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bot.DefaultIdleTime != 60 {
		t.Errorf("file value not applied: DefaultIdleTime = %d", cfg.Bot.DefaultIdleTime)
	}
	if cfg.Bot.DefaultVoice != "cheery" {
		t.Errorf("env value not applied: DefaultVoice = %q", cfg.Bot.DefaultVoice)
	}
	// Unset fields keep their defaults.
	if cfg.Bot.MaxLength != 200 {
		t.Errorf("default lost: MaxLength = %d", cfg.Bot.MaxLength)
	}
	if got := cfg.BackendEndpoint(); got != "http://kobold:5001" {
		t.Errorf("BackendEndpoint() = %q, want trailing slash trimmed", got)
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestFlexibleStringSlice_MixedTypes(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["alice", 123456789, "@bob"]`), &f); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := []string{"alice", "123456789", "@bob"}
	if len(f) != len(want) {
		t.Fatalf("got %d entries, want %d", len(f), len(want))
	}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, f[i], want[i])
		}
	}
}
