package botstate

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for channels the bot is not active in.
var ErrNotFound = errors.New("channel not tracked")

// Options carries the store-wide policy knobs.
type Options struct {
	HistoryLimit     int           // max retained history entries per channel
	MessageCharLimit int           // per-message cap before storing, 0 = off
	DefaultIdleTime  time.Duration // idle window for new channels
	DefaultVoice     string        // TTS voice for new channels
}

// Store holds one ChannelState per active channel. The store lock covers
// only the map; per-channel mutation runs under each state's own lock.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*ChannelState
	opts     Options
}

// Entry pairs a channel identifier with its state for iteration.
type Entry struct {
	ID    string
	State *ChannelState
}

func NewStore(opts Options) *Store {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.DefaultIdleTime <= 0 {
		opts.DefaultIdleTime = 120 * time.Second
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = "kobo"
	}
	return &Store{
		channels: make(map[string]*ChannelState),
		opts:     opts,
	}
}

func (st *Store) Get(id string) (*ChannelState, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetOrCreate activates a channel on first qualifying access. Commands
// targeting a channel go through here; plain messages never do.
func (st *Store) GetOrCreate(id string) *ChannelState {
	st.mu.RLock()
	s, ok := st.channels[id]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.channels[id]; ok {
		return s
	}
	s = newChannelState(st.opts.DefaultIdleTime, st.opts.DefaultVoice)
	st.channels[id] = s
	return s
}

func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.channels[id]; !ok {
		return false
	}
	delete(st.channels, id)
	return true
}

// List returns all tracked channels sorted by ID for stable iteration.
func (st *Store) List() []Entry {
	st.mu.RLock()
	defer st.mu.RUnlock()

	entries := make([]Entry, 0, len(st.channels))
	for id, s := range st.channels {
		entries = append(entries, Entry{ID: id, State: s})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// AppendHistory records one utterance for a tracked channel. Appending to
// an unknown channel is a deliberate no-op: history tracking is strictly
// scoped to channels the bot is active in.
func (st *Store) AppendHistory(id, speaker, text string) {
	st.mu.RLock()
	s, ok := st.channels[id]
	st.mu.RUnlock()
	if !ok {
		return
	}
	s.append(speaker, text, st.opts.HistoryLimit, st.opts.MessageCharLimit)
}

// Window returns the last n history entries for a channel, oldest first.
// Unknown channels yield an empty window.
func (st *Store) Window(id string, n int) []string {
	st.mu.RLock()
	s, ok := st.channels[id]
	st.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Window(n)
}

// ExtendLast appends text to a channel's newest history entry. Reports
// false when the channel is unknown or has no history.
func (st *Store) ExtendLast(id, text string) bool {
	st.mu.RLock()
	s, ok := st.channels[id]
	st.mu.RUnlock()
	if !ok {
		return false
	}
	return s.extendLast(text)
}

// ClearHistory resets a channel's conversation. No-op for unknown channels.
func (st *Store) ClearHistory(id string) {
	st.mu.RLock()
	s, ok := st.channels[id]
	st.mu.RUnlock()
	if !ok {
		return
	}
	s.Clear()
}

// HistoryLimit exposes the configured bound (the prompt window shares it).
func (st *Store) HistoryLimit() int {
	return st.opts.HistoryLimit
}

// Rehydration carries persisted per-channel fields back into the store.
type Rehydration struct {
	IdleWindow      time.Duration
	MemoryOverride  string
	BackendOverride string
	TTSVoice        string
	History         []string
}

// Rehydrate creates the channel if needed and restores its persisted
// fields. Used by the settings bridge at startup.
func (st *Store) Rehydrate(id string, rec Rehydration) {
	s := st.GetOrCreate(id)
	s.restore(rec.IdleWindow, rec.MemoryOverride, rec.BackendOverride, rec.TTSVoice, rec.History)
}
