package botstate

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// farPast is the sentinel LastReplyAt value. A freshly created or reset
// channel must be immediately eligible to reply the first time the bot
// is addressed, so the sentinel sits far outside any plausible idle
// window.
var farPast = time.Unix(0, 0)

// ChannelState is the conversational record for one channel. All methods
// are safe for concurrent use; each state has its own lock so channels
// never block one another.
type ChannelState struct {
	mu              sync.Mutex
	history         []string
	lastReplyAt     time.Time
	idleWindow      time.Duration
	memoryOverride  string
	backendOverride string
	ttsVoice        string
	speakers        []string
	speakerSet      map[string]struct{}
	replyLoopCount  uint64
}

// Snapshot is an immutable copy of the fields the prompt assembler and
// settings bridge read. Taking a snapshot decouples the long backend
// round trip from the channel's lock.
type Snapshot struct {
	History         []string
	LastReplyAt     time.Time
	IdleWindow      time.Duration
	MemoryOverride  string
	BackendOverride string
	TTSVoice        string
	Speakers        []string
	ReplyLoopCount  uint64
}

func newChannelState(idleWindow time.Duration, voice string) *ChannelState {
	return &ChannelState{
		lastReplyAt: farPast,
		idleWindow:  idleWindow,
		ttsVoice:    voice,
		speakerSet:  make(map[string]struct{}),
	}
}

// append pushes one formatted utterance and trims to limit in the same
// critical section. charLimit of 0 disables the per-message cap.
func (s *ChannelState) append(speaker, text string, limit, charLimit int) {
	if charLimit > 0 {
		runes := []rune(text)
		if len(runes) > charLimit {
			text = string(runes[:charLimit])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.observeSpeakerLocked(speaker)
	s.history = append(s.history, fmt.Sprintf("%s: %s", speaker, text))
	if limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// extendLast glues text onto the newest history entry. Used when the
// backend continues an unfinished reply; the continuation belongs to the
// same utterance, not a new one.
func (s *ChannelState) extendLast(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return false
	}
	s.history[len(s.history)-1] += text
	return true
}

// Window returns the last n history entries in chronological order.
func (s *ChannelState) Window(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.history) - n
	if n <= 0 || start < 0 {
		start = 0
	}
	out := make([]string, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// Clear empties the history and resets the reply timestamp so the next
// message is treated as a fresh conversation start, not as still
// idle-active.
func (s *ChannelState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.lastReplyAt = farPast
}

// TouchReply advances the reply timestamp. It never moves backwards.
func (s *ChannelState) TouchReply(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastReplyAt) {
		s.lastReplyAt = now
	}
}

// IdleActive reports whether the bot is still inside the idle window
// opened by its previous reply.
func (s *ChannelState) IdleActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastReplyAt) < s.idleWindow
}

func (s *ChannelState) SetIdleWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleWindow = d
}

func (s *ChannelState) IdleWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleWindow
}

func (s *ChannelState) SetMemoryOverride(memory string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memoryOverride = memory
}

func (s *ChannelState) MemoryOverride() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOverride
}

func (s *ChannelState) SetBackendOverride(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendOverride = backend
}

func (s *ChannelState) BackendOverride() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendOverride
}

func (s *ChannelState) SetVoice(voice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttsVoice = voice
}

func (s *ChannelState) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsVoice
}

// ObserveSpeaker records a display name in the known-speaker roster.
// Duplicates are ignored; insertion order is preserved for stop-sequence
// derivation.
func (s *ChannelState) ObserveSpeaker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeSpeakerLocked(name)
}

func (s *ChannelState) observeSpeakerLocked(name string) {
	if name == "" {
		return
	}
	if _, ok := s.speakerSet[name]; ok {
		return
	}
	s.speakerSet[name] = struct{}{}
	s.speakers = append(s.speakers, name)
}

// IncrementLoopCount bumps the diagnostic reply counter.
func (s *ChannelState) IncrementLoopCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyLoopCount++
	return s.replyLoopCount
}

// Snapshot copies the state under the lock.
func (s *ChannelState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]string, len(s.history))
	copy(history, s.history)
	speakers := make([]string, len(s.speakers))
	copy(speakers, s.speakers)

	return Snapshot{
		History:         history,
		LastReplyAt:     s.lastReplyAt,
		IdleWindow:      s.idleWindow,
		MemoryOverride:  s.memoryOverride,
		BackendOverride: s.backendOverride,
		TTSVoice:        s.ttsVoice,
		Speakers:        speakers,
		ReplyLoopCount:  s.replyLoopCount,
	}
}

// restore rehydrates persisted fields. Used by the settings bridge only.
func (s *ChannelState) restore(idleWindow time.Duration, memory, backend, voice string, history []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idleWindow > 0 {
		s.idleWindow = idleWindow
	}
	s.memoryOverride = memory
	s.backendOverride = backend
	if voice != "" {
		s.ttsVoice = voice
	}
	if len(history) > 0 {
		s.history = append([]string(nil), history...)
		// Rebuild the speaker roster from the restored entries so
		// stop sequences cover the previous participants right away.
		for _, entry := range history {
			if idx := strings.Index(entry, ": "); idx > 0 {
				s.observeSpeakerLocked(entry[:idx])
			}
		}
	}
}
