// Package settings is the durable side of the bot: per-channel
// configuration snapshots to a human-inspectable JSON file, a scheduled
// autosave, and an optional SQLite transcript archive.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kobocord/kobocord/pkg/botstate"
	"github.com/kobocord/kobocord/pkg/logger"
)

// ChannelRecord is the persisted shape of one channel's settings. The
// file is a JSON array of these, safely ignorable when absent or
// corrupt.
type ChannelRecord struct {
	Key             string   `json:"key"`
	IdleTime        int      `json:"bot_idletime"`
	MemoryOverride  string   `json:"bot_override_memory"`
	BackendOverride string   `json:"bot_override_backend"`
	TTSVoice        string   `json:"tts_voice,omitempty"`
	History         []string `json:"chat_history,omitempty"`
}

// Bridge snapshots and restores the channel store. History inclusion is
// a policy flag, not a fixed rule.
type Bridge struct {
	path           string
	persistHistory bool
	mu             sync.Mutex
}

func NewBridge(path string, persistHistory bool) *Bridge {
	return &Bridge{path: path, persistHistory: persistHistory}
}

// Snapshot extracts the persistable fields from every tracked channel.
func (b *Bridge) Snapshot(store *botstate.Store) []ChannelRecord {
	entries := store.List()
	records := make([]ChannelRecord, 0, len(entries))
	for _, entry := range entries {
		snap := entry.State.Snapshot()
		rec := ChannelRecord{
			Key:             entry.ID,
			IdleTime:        int(snap.IdleWindow / time.Second),
			MemoryOverride:  snap.MemoryOverride,
			BackendOverride: snap.BackendOverride,
			TTSVoice:        snap.TTSVoice,
		}
		if b.persistHistory {
			rec.History = snap.History
		}
		records = append(records, rec)
	}
	return records
}

// Save writes the snapshot atomically (temp file + rename).
func (b *Bridge) Save(store *botstate.Store) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.Snapshot(store)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

// Restore applies persisted records onto the store.
func (b *Bridge) Restore(store *botstate.Store, records []ChannelRecord) {
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		store.Rehydrate(rec.Key, botstate.Rehydration{
			IdleWindow:      time.Duration(rec.IdleTime) * time.Second,
			MemoryOverride:  rec.MemoryOverride,
			BackendOverride: rec.BackendOverride,
			TTSVoice:        rec.TTSVoice,
			History:         rec.History,
		})
	}
}

// Load rehydrates the store from disk. A missing or corrupt file is
// never fatal: the bot starts with an empty store.
func (b *Bridge) Load(store *botstate.Store) {
	b.mu.Lock()
	data, err := os.ReadFile(b.path)
	b.mu.Unlock()

	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("settings", "Failed to read settings file", map[string]any{
				"path":  b.path,
				"error": err.Error(),
			})
		}
		return
	}

	var records []ChannelRecord
	if err := json.Unmarshal(data, &records); err != nil {
		logger.WarnCF("settings", "Settings file is corrupt, starting empty", map[string]any{
			"path":  b.path,
			"error": err.Error(),
		})
		return
	}

	b.Restore(store, records)
	logger.InfoCF("settings", "Settings restored", map[string]any{
		"channels": len(records),
	})
}
