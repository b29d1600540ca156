// Package agent drives the conversational loop: it decides when an
// inbound message should provoke a generation round trip, serializes all
// backend calls behind a single-flight gate, and owns the operations the
// command layer maps onto.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kobocord/kobocord/pkg/botstate"
	"github.com/kobocord/kobocord/pkg/bus"
	"github.com/kobocord/kobocord/pkg/config"
	"github.com/kobocord/kobocord/pkg/kobold"
	"github.com/kobocord/kobocord/pkg/logger"
	"github.com/kobocord/kobocord/pkg/prompt"
	"github.com/kobocord/kobocord/pkg/utils"
)

// ErrBusy reports that a generation is already in flight. It is not a
// failure: the caller shows a "try again later" notice and moves on.
var ErrBusy = errors.New("a generation is already in flight")

const describeInstruction = "### Instruction:\nPlease describe the image in detail.\n\n### Response:\n"

// Orientation presets for image generation.
var drawResolutions = map[string][2]int{
	"square":    {384, 384},
	"portrait":  {320, 448},
	"landscape": {448, 320},
}

const (
	drawNegativePrompt = "low quality, blurry, deformed, bad anatomy"
	drawSteps          = 20
	drawCfgScale       = 7.0
)

// Transcript receives every utterance that enters channel history.
// Implementations must not block.
type Transcript interface {
	Record(channelID, roundID, speaker, text string)
}

type Engine struct {
	bus        *bus.MessageBus
	store      *botstate.Store
	client     *kobold.Client
	transcript Transcript // may be nil

	botName atomic.Value // string
	maxLen  atomic.Int64

	// busy is the process-wide single-flight gate. The backend serves
	// one generation at a time; trigger attempts that lose the race are
	// dropped, never queued.
	busy *semaphore.Weighted

	defaultVoice string
	running      atomic.Bool
	onMutate     func() // settings snapshot hook, may be nil
}

func NewEngine(cfg *config.Config, msgBus *bus.MessageBus, store *botstate.Store, client *kobold.Client) *Engine {
	e := &Engine{
		bus:          msgBus,
		store:        store,
		client:       client,
		busy:         semaphore.NewWeighted(1),
		defaultVoice: cfg.Bot.DefaultVoice,
	}
	e.botName.Store("Kobo")
	e.maxLen.Store(int64(cfg.Bot.MaxLength))
	return e
}

// SetBotName records the display name the platform assigned to the bot.
// Called once the channel session knows who it is.
func (e *Engine) SetBotName(name string) {
	if strings.TrimSpace(name) != "" {
		e.botName.Store(name)
	}
}

func (e *Engine) BotName() string {
	return e.botName.Load().(string)
}

// SetMaxLength updates the runtime reply-length setting. The assembler
// still clamps to its own hard ceiling.
func (e *Engine) SetMaxLength(n int) {
	e.maxLen.Store(int64(n))
}

func (e *Engine) MaxLength() int {
	return int(e.maxLen.Load())
}

// SetTranscript attaches the optional durable utterance archive.
func (e *Engine) SetTranscript(t Transcript) {
	e.transcript = t
}

// SetMutateHook registers a callback fired after state-mutating
// operations so the settings bridge can snapshot.
func (e *Engine) SetMutateHook(fn func()) {
	e.onMutate = fn
}

func (e *Engine) mutated() {
	if e.onMutate != nil {
		e.onMutate()
	}
}

// Run consumes inbound messages until ctx is cancelled. Generation runs
// in its own goroutine while the loop keeps draining the bus, so other
// channels' history stays current during a long round trip.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	logger.InfoC("agent", "Engine loop started")

	for e.running.Load() {
		msg, ok := e.bus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		e.handleInbound(ctx, msg)
	}
	return nil
}

func (e *Engine) Stop() {
	e.running.Store(false)
}

func (e *Engine) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	if _, err := e.store.Get(msg.ChatID); err != nil {
		// History tracking is strictly scoped to active channels.
		return
	}

	e.appendUtterance(msg.ChatID, "", msg.SenderName, msg.Content)

	now := time.Now()
	if !e.shouldReply(msg, now) {
		return
	}

	if !e.busy.TryAcquire(1) {
		// Drop, don't queue. The user can re-trigger once the backend
		// is free.
		logger.DebugCF("agent", "Trigger dropped, generation in flight", map[string]any{
			"chat_id": msg.ChatID,
		})
		return
	}

	go func() {
		defer e.busy.Release(1)

		reply, err := e.generateReply(ctx, msg.ChatID, msg.SenderName)
		if err != nil {
			logger.ErrorCF("agent", "Generation failed", map[string]any{
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
			return
		}

		e.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: reply,
		})
	}()
}

// WouldReply exposes the trigger predicate without side effects, so the
// channel layer can start a typing indicator only when a reply is
// actually coming.
func (e *Engine) WouldReply(msg bus.InboundMessage, now time.Time) bool {
	return e.shouldReply(msg, now)
}

// shouldReply is the trigger condition: still inside the idle window
// from the previous reply, explicitly mentioned, or named by display
// name anywhere in the text (case-insensitive).
func (e *Engine) shouldReply(msg bus.InboundMessage, now time.Time) bool {
	st, err := e.store.Get(msg.ChatID)
	if err != nil {
		return false
	}
	if st.IdleActive(now) || msg.Mention {
		return true
	}
	return strings.Contains(strings.ToLower(msg.Content), strings.ToLower(e.BotName()))
}

// generateReply runs one full generation round trip for a channel. The
// reply timestamp is stamped before the network call so a second trigger
// during the round trip sees the channel as engaged; the reply itself is
// appended only on success.
func (e *Engine) generateReply(ctx context.Context, chatID, requester string) (string, error) {
	st, err := e.store.Get(chatID)
	if err != nil {
		return "", err
	}

	st.TouchReply(time.Now())
	round := st.IncrementLoopCount()
	roundID := uuid.NewString()

	req := prompt.Build(e.BotName(), st.Snapshot(), e.MaxLength(), requester)

	logger.DebugCF("agent", "Generating reply", map[string]any{
		"chat_id":  chatID,
		"round":    round,
		"round_id": roundID,
		"prompt":   utils.Truncate(req.Prompt, 80),
	})

	text, err := e.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("backend returned an empty reply")
	}

	e.appendUtterance(chatID, roundID, e.BotName(), text)
	e.mutated()
	return text, nil
}

// Reply generates a response on explicit user request (no trigger
// evaluation), still honoring the single-flight gate.
func (e *Engine) Reply(ctx context.Context, chatID, requester string) (string, error) {
	if !e.busy.TryAcquire(1) {
		return "", ErrBusy
	}
	defer e.busy.Release(1)
	return e.generateReply(ctx, chatID, requester)
}

// Continue extends the bot's unfinished reply: the prompt ends exactly
// at the current history tail and the continuation is glued onto the
// last entry.
func (e *Engine) Continue(ctx context.Context, chatID string) (string, error) {
	if !e.busy.TryAcquire(1) {
		return "", ErrBusy
	}
	defer e.busy.Release(1)

	st, err := e.store.Get(chatID)
	if err != nil {
		return "", err
	}

	st.TouchReply(time.Now())
	req := prompt.BuildContinuation(e.BotName(), st.Snapshot(), e.MaxLength())

	text, err := e.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("backend returned an empty reply")
	}

	if !e.store.ExtendLast(chatID, text) {
		e.appendUtterance(chatID, "", e.BotName(), text)
	}
	e.mutated()
	return text, nil
}

// Draw generates an image from a prompt with the preset orientation
// resolutions.
func (e *Engine) Draw(ctx context.Context, chatID, orientation, imagePrompt string) ([]byte, error) {
	if !e.busy.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer e.busy.Release(1)

	res, ok := drawResolutions[orientation]
	if !ok {
		res = drawResolutions["square"]
	}

	if st, err := e.store.Get(chatID); err == nil {
		st.TouchReply(time.Now())
	}

	return e.client.GenerateImage(ctx, kobold.ImageRequest{
		Prompt:         imagePrompt,
		Width:          res[0],
		Height:         res[1],
		NegativePrompt: drawNegativePrompt,
		Steps:          drawSteps,
		CfgScale:       drawCfgScale,
	})
}

// Describe asks the backend to describe a base64-encoded image. The
// request reuses the channel's memory and stop sequences but replaces
// the prompt with a fixed instruction.
func (e *Engine) Describe(ctx context.Context, chatID, imageB64 string) (string, error) {
	if !e.busy.TryAcquire(1) {
		return "", ErrBusy
	}
	defer e.busy.Release(1)

	st, err := e.store.Get(chatID)
	if err != nil {
		return "", err
	}

	st.TouchReply(time.Now())
	req := prompt.Build(e.BotName(), st.Snapshot(), e.MaxLength(), "")
	req.Prompt = describeInstruction
	req.Images = []string{imageB64}

	return e.client.Generate(ctx, req)
}

// Search runs a web search, folds the results into channel history as
// the requesting user's utterance, and generates a summary reply.
func (e *Engine) Search(ctx context.Context, chatID, requester, query string) (string, []kobold.SearchResult, error) {
	results, err := e.client.WebSearch(ctx, query)
	if err != nil {
		return "", nil, err
	}
	if len(results) == 0 {
		return "", nil, fmt.Errorf("no results found for %q", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for '%s':\n", query)
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", r.Title, r.Desc, r.URL)
	}
	e.appendUtterance(chatID, "", requester, b.String())

	summary, err := e.Reply(ctx, chatID, requester)
	if err != nil {
		return "", results, err
	}
	return summary, results, nil
}

// Say synthesizes speech for text using the channel's configured voice.
func (e *Engine) Say(ctx context.Context, chatID, text string) ([]byte, error) {
	voice := e.defaultVoice
	if st, err := e.store.Get(chatID); err == nil {
		if v := st.Voice(); v != "" {
			voice = v
		}
	}
	return e.client.Synthesize(ctx, text, voice)
}

// Transcribe converts base64 WAV audio to text and records it as the
// speaker's utterance, mirroring the voice-capture flow of the backend.
func (e *Engine) Transcribe(ctx context.Context, chatID, speaker, audioB64 string) (string, error) {
	text, err := e.client.Transcribe(ctx, kobold.TranscribeRequest{
		AudioData:         audioB64,
		LangCode:          "en",
		SuppressNonSpeech: true,
		Prompt:            fmt.Sprintf("The user is saying commands to a voice assistant named '%s'.", e.BotName()),
	})
	if err != nil {
		return "", err
	}
	if text != "" {
		e.appendUtterance(chatID, "", speaker, text)
	}
	return text, nil
}

func (e *Engine) appendUtterance(chatID, roundID, speaker, text string) {
	e.store.AppendHistory(chatID, speaker, text)
	if e.transcript != nil {
		e.transcript.Record(chatID, roundID, speaker, text)
	}
}
