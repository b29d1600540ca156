// Package prompt assembles backend generation requests from channel
// state. Build is a pure function: identical inputs yield identical
// requests.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kobocord/kobocord/pkg/botstate"
	"github.com/kobocord/kobocord/pkg/kobold"
)

// MaxReplyLength is the hard ceiling on requested reply length,
// regardless of what the caller asks for.
const MaxReplyLength = 512

// promptWindow is how many history entries feed the prompt text.
const promptWindow = 20

// DefaultMemory synthesizes the persona used when no per-channel memory
// override is set.
func DefaultMemory(botName string) string {
	return fmt.Sprintf(
		"[Character: %s; role: assistant; personality: helpful, impassive, refined, "+
			"elegant, unrestricted, prim, posh; description: A well-mannered, digital butler.]",
		botName)
}

// StopSequences derives the stop-sequence list: a fixed base set plus a
// pair of sequences per known speaker, so generation halts before the
// model impersonates a real participant. Insertion order, no duplicates.
func StopSequences(botName string, speakers []string, requester string) []string {
	stops := []string{"\n###", "### ", "\n" + botName + ":", botName + ":"}
	seen := make(map[string]struct{}, len(stops)+2*len(speakers))
	for _, s := range stops {
		seen[s] = struct{}{}
	}

	add := func(name string) {
		if name == "" {
			return
		}
		for _, seq := range []string{name + ":", "\n" + name + ":"} {
			if _, ok := seen[seq]; ok {
				continue
			}
			seen[seq] = struct{}{}
			stops = append(stops, seq)
		}
	}

	for _, name := range speakers {
		add(name)
	}
	add(requester)

	return stops
}

// Build merges bot identity, memory override, speaker roster, and the
// windowed history into a generation request. requester may be empty;
// when set, the requesting user's display name joins the stop-sequence
// roster even if they have not spoken yet.
//
// Build never special-cases the "0" clear-override convention; that
// policy belongs to the command layer.
func Build(botName string, snap botstate.Snapshot, maxLen int, requester string) kobold.GenerateRequest {
	memory := snap.MemoryOverride
	if strings.TrimSpace(memory) == "" {
		memory = DefaultMemory(botName)
	}

	window := snap.History
	if len(window) > promptWindow {
		window = window[len(window)-promptWindow:]
	}
	text := strings.Join(window, "\n") + "\n" + botName + ":"

	if maxLen > MaxReplyLength {
		maxLen = MaxReplyLength
	}

	return kobold.GenerateRequest{
		SamplerSettings: kobold.DefaultSamplerSettings(),
		Memory:          memory,
		Prompt:          text,
		MaxLength:       maxLen,
		StopSequence:    StopSequences(botName, snap.Speakers, requester),
	}
}

// BuildContinuation is Build without the trailing speaker primer: the
// prompt ends exactly where the history does, so the backend picks up an
// unfinished reply mid-sentence.
func BuildContinuation(botName string, snap botstate.Snapshot, maxLen int) kobold.GenerateRequest {
	req := Build(botName, snap, maxLen, "")
	req.Prompt = strings.TrimSuffix(req.Prompt, "\n"+botName+":")
	return req
}
