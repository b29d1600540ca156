package channels

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/kobocord/kobocord/pkg/agent"
	"github.com/kobocord/kobocord/pkg/logger"
	"github.com/kobocord/kobocord/pkg/prompt"
)

const (
	cmdMaxLen     = "maxlen"
	cmdIdleTime   = "idletime"
	cmdMemory     = "memory"
	cmdSetTTS     = "settts"
	cmdBackend    = "backend"
	cmdReset      = "reset"
	cmdDescribe   = "describe"
	cmdDraw       = "draw"
	cmdSearch     = "search"
	cmdContinue   = "continue"
	cmdSay        = "say"
	cmdTranscribe = "transcribe"
)

const (
	permissionDeniedMsg = "You do not have permission to use this command."
	busyMsg             = "The bot is busy. Please try again later."
)

const attachmentFetchTimeout = 30 * time.Second

var ttsVoiceChoices = []*discordgo.ApplicationCommandOptionChoice{
	{Name: "Kobo", Value: "kobo"},
	{Name: "Cheery", Value: "cheery"},
	{Name: "Sleepy", Value: "sleepy"},
	{Name: "Shouty", Value: "shouty"},
	{Name: "Chatty", Value: "chatty"},
}

var drawOrientationChoices = []*discordgo.ApplicationCommandOptionChoice{
	{Name: "Square", Value: "square"},
	{Name: "Portrait", Value: "portrait"},
	{Name: "Landscape", Value: "landscape"},
}

func (c *DiscordChannel) applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdMaxLen,
			Description: fmt.Sprintf("Set the maximum response length (max %d).", prompt.MaxReplyLength),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "max_length",
					Description: "New maximum response length",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdIdleTime,
			Description: "Set the idle timeout for the bot.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "idle_time",
					Description: "New idle timeout in seconds",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdMemory,
			Description: "Set the bot memory override. Use '0' to reset to default memory.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "memory",
					Description: "Memory override text (or '0' to reset)",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdSetTTS,
			Description: "Set the TTS voice for this channel (admin only).",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "voice",
					Description: "Voice to use",
					Required:    true,
					Choices:     ttsVoiceChoices,
				},
			},
		},
		{
			Name:        cmdBackend,
			Description: "Set an alternate backend label for this channel. Use '0' to clear.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "backend",
					Description: "Backend label (or '0' to clear)",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdReset,
			Description: "Reset the conversation history in this channel.",
		},
		{
			Name:        cmdDescribe,
			Description: "Describe an uploaded image.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        "image",
					Description: "Image attachment to describe",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdDraw,
			Description: "Generate an image from a prompt with predefined settings.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "orientation",
					Description: "Select image orientation",
					Required:    true,
					Choices:     drawOrientationChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "prompt",
					Description: "Prompt for image generation",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdSearch,
			Description: "Search the web and show a summary followed by results.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "query",
					Description: "The search query",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdContinue,
			Description: "Continue the bot's unfinished reply.",
		},
		{
			Name:        cmdSay,
			Description: "Synthesize speech for a piece of text.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "text",
					Description: "Text to speak",
					Required:    true,
				},
			},
		},
		{
			Name:        cmdTranscribe,
			Description: "Transcribe an uploaded voice recording into the conversation.",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionAttachment,
					Name:        "audio",
					Description: "WAV audio attachment to transcribe",
					Required:    true,
				},
			},
		},
	}
}

func (c *DiscordChannel) registerCommands() error {
	registered, err := c.session.ApplicationCommandBulkOverwrite(
		c.session.State.User.ID, "", c.applicationCommands())
	if err != nil {
		return err
	}
	c.registeredCommands = registered
	return nil
}

func (c *DiscordChannel) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	logger.DebugCF("discord", "Slash command invoked", map[string]any{
		"command":    data.Name,
		"channel_id": i.ChannelID,
	})

	switch data.Name {
	case cmdMaxLen:
		c.cmdMaxLen(i, data)
	case cmdIdleTime:
		c.cmdIdleTime(i, data)
	case cmdMemory:
		c.cmdMemory(i, data)
	case cmdSetTTS:
		c.cmdSetTTS(i, data)
	case cmdBackend:
		c.cmdBackend(i, data)
	case cmdReset:
		c.cmdReset(i)
	case cmdDescribe:
		c.cmdDescribe(i, data)
	case cmdDraw:
		c.cmdDraw(i, data)
	case cmdSearch:
		c.cmdSearch(i, data)
	case cmdContinue:
		c.cmdContinue(i)
	case cmdSay:
		c.cmdSay(i, data)
	case cmdTranscribe:
		c.cmdTranscribe(i, data)
	default:
		c.respond(i, "Unknown command.", true)
	}
}

// isAdmin reports whether the invoking member has administrator
// permission. DMs have no member and are never admin.
func isAdmin(i *discordgo.InteractionCreate) bool {
	return i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func commandUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

func optionMap(data discordgo.ApplicationCommandInteractionData) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, opt := range data.Options {
		out[opt.Name] = opt
	}
	return out
}

func (c *DiscordChannel) respond(i *discordgo.InteractionCreate, content string, ephemeral bool) {
	var flags discordgo.MessageFlags
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: flags},
	})
	if err != nil {
		logger.ErrorCF("discord", "Failed to respond to interaction", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) deferAck(i *discordgo.InteractionCreate) bool {
	err := c.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		logger.ErrorCF("discord", "Failed to defer interaction", map[string]any{
			"error": err.Error(),
		})
		return false
	}
	return true
}

func (c *DiscordChannel) followup(i *discordgo.InteractionCreate, content string) {
	for _, chunk := range splitMessage(content, messageChunkLimit) {
		_, err := c.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: chunk,
		})
		if err != nil {
			logger.ErrorCF("discord", "Failed to send followup", map[string]any{
				"error": err.Error(),
			})
			return
		}
	}
}

func (c *DiscordChannel) followupFile(i *discordgo.InteractionCreate, name string, data []byte) {
	_, err := c.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Files: []*discordgo.File{{Name: name, Reader: bytes.NewReader(data)}},
	})
	if err != nil {
		logger.ErrorCF("discord", "Failed to send followup file", map[string]any{
			"error": err.Error(),
		})
	}
}

// saveSettings snapshots the store after a mutating command.
func (c *DiscordChannel) saveSettings() {
	if c.bridge == nil {
		return
	}
	if err := c.bridge.Save(c.store); err != nil {
		logger.ErrorCF("settings", "Failed to save settings", map[string]any{
			"error": err.Error(),
		})
	}
}

// fetchAttachment downloads an interaction attachment.
func fetchAttachment(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, attachmentFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create attachment request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func resolvedAttachment(data discordgo.ApplicationCommandInteractionData, option string) *discordgo.MessageAttachment {
	opts := optionMap(data)
	opt, ok := opts[option]
	if !ok || data.Resolved == nil {
		return nil
	}
	return data.Resolved.Attachments[opt.Value.(string)]
}

func (c *DiscordChannel) cmdMaxLen(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !isAdmin(i) {
		c.respond(i, permissionDeniedMsg, true)
		return
	}
	opts := optionMap(data)
	maxLength := int(opts["max_length"].IntValue())
	if maxLength > prompt.MaxReplyLength {
		c.respond(i, fmt.Sprintf("Maximum response length cannot exceed %d.", prompt.MaxReplyLength), true)
		return
	}
	if maxLength < 1 {
		c.respond(i, "Maximum response length must be positive.", true)
		return
	}
	c.engine.SetMaxLength(maxLength)
	c.respond(i, fmt.Sprintf("Maximum response length changed to %d.", maxLength), false)
}

func (c *DiscordChannel) cmdIdleTime(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !isAdmin(i) {
		c.respond(i, permissionDeniedMsg, true)
		return
	}
	opts := optionMap(data)
	idleTime := int(opts["idle_time"].IntValue())
	if idleTime < 0 {
		c.respond(i, "Idle timeout cannot be negative.", true)
		return
	}
	st := c.store.GetOrCreate(i.ChannelID)
	st.SetIdleWindow(time.Duration(idleTime) * time.Second)
	c.saveSettings()
	c.respond(i, fmt.Sprintf("Idle timeout changed to %d.", idleTime), false)
}

func (c *DiscordChannel) cmdMemory(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !isAdmin(i) {
		c.respond(i, permissionDeniedMsg, true)
		return
	}
	opts := optionMap(data)
	memory := opts["memory"].StringValue()

	st := c.store.GetOrCreate(i.ChannelID)
	// "0" (or blank) clears the override. This convention lives here,
	// not in the prompt assembler.
	if trimmed := strings.TrimSpace(memory); trimmed == "0" || trimmed == "" {
		st.SetMemoryOverride("")
		c.saveSettings()
		c.respond(i, "Memory override cleared. Using default memory.", false)
		return
	}
	st.SetMemoryOverride(memory)
	c.saveSettings()
	c.respond(i, fmt.Sprintf("Memory override set to: %s", memory), false)
}

func (c *DiscordChannel) cmdSetTTS(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !isAdmin(i) {
		c.respond(i, permissionDeniedMsg, true)
		return
	}
	opts := optionMap(data)
	voice := opts["voice"].StringValue()

	st := c.store.GetOrCreate(i.ChannelID)
	st.SetVoice(voice)
	c.saveSettings()
	c.respond(i, fmt.Sprintf("TTS voice set to **%s**.", voice), false)
}

func (c *DiscordChannel) cmdBackend(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !isAdmin(i) {
		c.respond(i, permissionDeniedMsg, true)
		return
	}
	opts := optionMap(data)
	backend := opts["backend"].StringValue()

	st := c.store.GetOrCreate(i.ChannelID)
	if trimmed := strings.TrimSpace(backend); trimmed == "0" || trimmed == "" {
		st.SetBackendOverride("")
		c.saveSettings()
		c.respond(i, "Backend override cleared.", false)
		return
	}
	st.SetBackendOverride(backend)
	c.saveSettings()
	c.respond(i, fmt.Sprintf("Backend override set to: %s", backend), false)
}

func (c *DiscordChannel) cmdReset(i *discordgo.InteractionCreate) {
	c.store.GetOrCreate(i.ChannelID)
	c.store.ClearHistory(i.ChannelID)
	c.saveSettings()
	c.respond(i, "Cleared bot conversation history in this channel.", false)
}

func (c *DiscordChannel) cmdDescribe(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	attachment := resolvedAttachment(data, "image")
	if attachment == nil {
		c.respond(i, "No image was provided.", true)
		return
	}

	c.store.GetOrCreate(i.ChannelID)
	if !c.deferAck(i) {
		return
	}

	ctx := context.Background()
	img, err := fetchAttachment(ctx, attachment.URL)
	if err != nil {
		c.followup(i, "Failed to download the image.")
		return
	}

	desc, err := c.engine.Describe(ctx, i.ChannelID, base64.StdEncoding.EncodeToString(img))
	if errors.Is(err, agent.ErrBusy) {
		c.followup(i, busyMsg)
		return
	}
	if err != nil {
		c.followup(i, "Sorry, the image transcription failed!")
		return
	}
	c.followup(i, "Image Description: "+desc)
}

func (c *DiscordChannel) cmdDraw(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	opts := optionMap(data)
	orientation := opts["orientation"].StringValue()
	imagePrompt := opts["prompt"].StringValue()

	c.store.GetOrCreate(i.ChannelID)
	if !c.deferAck(i) {
		return
	}

	img, err := c.engine.Draw(context.Background(), i.ChannelID, orientation, imagePrompt)
	if errors.Is(err, agent.ErrBusy) {
		c.followup(i, busyMsg)
		return
	}
	if err != nil {
		c.followup(i, "Sorry, the image generation failed!")
		return
	}
	c.followupFile(i, "drawimage.png", img)
}

func (c *DiscordChannel) cmdSearch(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	opts := optionMap(data)
	query := opts["query"].StringValue()

	c.store.GetOrCreate(i.ChannelID)
	if !c.deferAck(i) {
		return
	}

	requester := displayNameOfUser(commandUser(i))
	summary, results, err := c.engine.Search(context.Background(), i.ChannelID, requester, query)
	if errors.Is(err, agent.ErrBusy) {
		c.followup(i, busyMsg)
		return
	}
	if err != nil {
		c.followup(i, fmt.Sprintf("Web search failed: %v", err))
		return
	}
	c.saveSettings()

	c.followup(i, summary)

	embed := &discordgo.MessageEmbed{
		Title: "Search results for: " + query,
		Color: 0x3498db,
	}
	for _, r := range results {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  r.Title,
			Value: fmt.Sprintf("%s\n[Read more](%s)", r.Desc, r.URL),
		})
	}
	if _, err := c.session.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}); err != nil {
		logger.ErrorCF("discord", "Failed to send search embed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) cmdContinue(i *discordgo.InteractionCreate) {
	c.store.GetOrCreate(i.ChannelID)
	if !c.deferAck(i) {
		return
	}

	text, err := c.engine.Continue(context.Background(), i.ChannelID)
	if errors.Is(err, agent.ErrBusy) {
		c.followup(i, busyMsg)
		return
	}
	if err != nil {
		c.followup(i, "Sorry, I couldn't continue the reply.")
		return
	}
	c.saveSettings()
	c.followup(i, text)
}

func (c *DiscordChannel) cmdSay(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	opts := optionMap(data)
	text := opts["text"].StringValue()

	c.store.GetOrCreate(i.ChannelID)
	if !c.deferAck(i) {
		return
	}

	audio, err := c.engine.Say(context.Background(), i.ChannelID, text)
	if err != nil {
		c.followup(i, "Sorry, speech synthesis failed!")
		return
	}
	c.followupFile(i, "speech.wav", audio)
}

func (c *DiscordChannel) cmdTranscribe(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	attachment := resolvedAttachment(data, "audio")
	if attachment == nil {
		c.respond(i, "No audio was provided.", true)
		return
	}

	c.store.GetOrCreate(i.ChannelID)
	if !c.deferAck(i) {
		return
	}

	ctx := context.Background()
	audio, err := fetchAttachment(ctx, attachment.URL)
	if err != nil {
		c.followup(i, "Failed to download the audio.")
		return
	}

	speaker := displayNameOfUser(commandUser(i))
	text, err := c.engine.Transcribe(ctx, i.ChannelID, speaker, base64.StdEncoding.EncodeToString(audio))
	if err != nil {
		c.followup(i, "Sorry, the transcription failed!")
		return
	}
	if text == "" {
		c.followup(i, "No speech detected.")
		return
	}
	c.saveSettings()
	c.followup(i, "Transcription: "+text)
}
