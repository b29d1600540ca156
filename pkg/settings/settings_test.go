package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kobocord/kobocord/pkg/botstate"
)

func newTestStore() *botstate.Store {
	return botstate.NewStore(botstate.Options{
		HistoryLimit:    20,
		DefaultIdleTime: 120 * time.Second,
		DefaultVoice:    "kobo",
	})
}

func TestBridge_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botsettings.json")
	bridge := NewBridge(path, false)

	store := newTestStore()
	s := store.GetOrCreate("c1")
	s.SetIdleWindow(300 * time.Second)
	s.SetMemoryOverride("persona")
	s.SetBackendOverride("alt")
	s.SetVoice("cheery")
	store.AppendHistory("c1", "Alice", "hi")

	if err := bridge.Save(store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := newTestStore()
	bridge.Load(restored)

	got, err := restored.Get("c1")
	if err != nil {
		t.Fatalf("Get after Load: %v", err)
	}
	snap := got.Snapshot()
	if snap.IdleWindow != 300*time.Second {
		t.Fatalf("IdleWindow = %v", snap.IdleWindow)
	}
	if snap.MemoryOverride != "persona" || snap.BackendOverride != "alt" || snap.TTSVoice != "cheery" {
		t.Fatalf("overrides = %+v", snap)
	}
	// History persistence is off: the buffer starts clean.
	if len(snap.History) != 0 {
		t.Fatalf("history = %v, want empty", snap.History)
	}
}

func TestBridge_PersistHistoryFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botsettings.json")
	bridge := NewBridge(path, true)

	store := newTestStore()
	store.GetOrCreate("c1")
	store.AppendHistory("c1", "Alice", "hi")
	store.AppendHistory("c1", "Kobo", "hello")

	if err := bridge.Save(store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := newTestStore()
	bridge.Load(restored)

	history := restored.Window("c1", 10)
	if len(history) != 2 || history[0] != "Alice: hi" {
		t.Fatalf("history = %v", history)
	}
}

func TestBridge_MissingFileStartsEmpty(t *testing.T) {
	bridge := NewBridge(filepath.Join(t.TempDir(), "nope.json"), false)
	store := newTestStore()
	bridge.Load(store)
	if len(store.List()) != 0 {
		t.Fatalf("expected empty store for missing file")
	}
}

func TestBridge_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botsettings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	bridge := NewBridge(path, false)
	store := newTestStore()
	bridge.Load(store)
	if len(store.List()) != 0 {
		t.Fatalf("expected empty store for corrupt file")
	}
}

func TestBridge_SkipsRecordsWithoutKey(t *testing.T) {
	store := newTestStore()
	bridge := NewBridge("", false)
	bridge.Restore(store, []ChannelRecord{{Key: "", IdleTime: 60}})
	if len(store.List()) != 0 {
		t.Fatalf("keyless record must be ignored")
	}
}

func TestTranscriptStore_RecordAndRecent(t *testing.T) {
	ts, err := NewTranscriptStore(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("NewTranscriptStore: %v", err)
	}
	defer ts.Close()

	ts.Record("c1", "r1", "Alice", "hi")
	ts.Record("c1", "r1", "Kobo", "hello")
	ts.Record("c2", "", "Bob", "elsewhere")

	got, err := ts.Recent("c1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Speaker != "Alice" || got[1].Speaker != "Kobo" {
		t.Fatalf("order = %s, %s", got[0].Speaker, got[1].Speaker)
	}
	if got[1].RoundID != "r1" {
		t.Fatalf("round id = %q", got[1].RoundID)
	}
}
