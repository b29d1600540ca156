package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kobocord/kobocord/pkg/bus"
)

func TestSplitMessage_ShortMessagePassesThrough(t *testing.T) {
	chunks := splitMessage("short message", 1500)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Fatalf("expected single unchanged chunk, got %v", chunks)
	}
}

func TestSplitMessage_SplitsAtNewline(t *testing.T) {
	para := strings.Repeat("word ", 250) // ~1250 chars
	content := para + "\n" + para

	chunks := splitMessage(content, 1500)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 2000 {
			t.Fatalf("chunk %d exceeds hard limit: %d chars", i, len(chunk))
		}
	}
}

func TestSplitMessage_RejoinsLosslessly(t *testing.T) {
	content := strings.Repeat("alpha beta gamma delta ", 300)

	chunks := splitMessage(content, 1500)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for %d chars", len(content))
	}

	var joined []string
	for _, chunk := range chunks {
		joined = append(joined, strings.Fields(chunk)...)
	}
	if len(joined) != len(strings.Fields(content)) {
		t.Fatalf("word count changed after split: %d != %d", len(joined), len(strings.Fields(content)))
	}
}

func TestSplitMessage_ExtendsForCodeBlock(t *testing.T) {
	prefix := strings.Repeat("x", 1400)
	code := "\n```go\nfunc main() {}\n" + strings.Repeat("// line\n", 10) + "```"
	content := prefix + code

	chunks := splitMessage(content, 1500)
	for i, chunk := range chunks {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Fatalf("chunk %d has unbalanced code fences:\n%s", i, chunk)
		}
	}
}

func TestSplitMessage_FenceExtensionStaysUnderDiscordCap(t *testing.T) {
	// A code fence straddling the chunk boundary triggers the 500-char
	// extension; chunked at messageChunkLimit the result must still fit
	// Discord's 2000-char per-message cap.
	prefix := strings.Repeat("x", 1200) + "\n"
	code := "```go\n" + strings.Repeat("line\n", 120) + "```\n" // closes ~1810
	suffix := strings.Repeat("trailing words ", 30)
	content := prefix + code + suffix

	chunks := splitMessage(content, messageChunkLimit)
	if len(chunks) < 2 {
		t.Fatalf("expected content to be split, got %d chunk(s)", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 2000 {
			t.Fatalf("chunk %d is %d chars, over the 2000-char cap", i, len(chunk))
		}
	}
}

func TestBaseChannel_IsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list allows everyone", nil, "123|alice", true},
		{"exact id match", []string{"123"}, "123|alice", true},
		{"username match", []string{"alice"}, "123|alice", true},
		{"at-prefixed username", []string{"@alice"}, "123|alice", true},
		{"full compound match", []string{"123|alice"}, "123|alice", true},
		{"no match rejected", []string{"456", "bob"}, "123|alice", false},
		{"plain id without username part", []string{"123"}, "123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.NewMessageBus(), tt.allowList)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Fatalf("IsAllowed(%q) with %v = %v, want %v", tt.senderID, tt.allowList, got, tt.want)
			}
		})
	}
}

func TestBaseChannel_RunningFlagConcurrentAccess(t *testing.T) {
	c := NewBaseChannel("test", bus.NewMessageBus(), nil)

	// Send and typing-refresh goroutines read the flag while Start/Stop
	// write it; this is a race-detector regression.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.setRunning(j%2 == 0)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.IsRunning()
			}
		}()
	}
	wg.Wait()

	c.setRunning(true)
	if !c.IsRunning() {
		t.Fatal("IsRunning() = false after setRunning(true)")
	}
}

func TestBaseChannel_HandleMessagePublishesInbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c := NewBaseChannel("discord", mb, nil)
	c.HandleMessage("123|alice", "Alice", "chan-1", "hello", true, map[string]string{"message_id": "m1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatalf("expected published inbound message")
	}
	if msg.Channel != "discord" || msg.ChatID != "chan-1" || msg.SenderName != "Alice" || !msg.Mention {
		t.Fatalf("unexpected inbound message: %+v", msg)
	}
	if msg.Metadata["message_id"] != "m1" {
		t.Fatalf("metadata not carried: %+v", msg.Metadata)
	}
}

func TestBaseChannel_HandleMessageDropsDisallowedSender(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c := NewBaseChannel("discord", mb, []string{"someone-else"})
	c.HandleMessage("123|alice", "Alice", "chan-1", "hello", false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if msg, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatalf("expected no inbound message, got %+v", msg)
	}
}
