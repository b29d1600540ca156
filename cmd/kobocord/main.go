package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/kobocord/kobocord/pkg/agent"
	"github.com/kobocord/kobocord/pkg/botstate"
	"github.com/kobocord/kobocord/pkg/bus"
	"github.com/kobocord/kobocord/pkg/channels"
	"github.com/kobocord/kobocord/pkg/config"
	"github.com/kobocord/kobocord/pkg/kobold"
	"github.com/kobocord/kobocord/pkg/logger"
	"github.com/kobocord/kobocord/pkg/settings"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "kobocord"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	if buildTime != "" {
		fmt.Printf("  Build: %s\n", buildTime)
	}
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	fmt.Printf("  Go: %s\n", goVer)
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kobocord", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your Discord bot token to", configPath)
	fmt.Println("  2. Point backend.endpoint at a running KoboldCpp instance")
	fmt.Println("  3. Chat locally: kobocord console")
	fmt.Println("  4. Run the bot: kobocord run")
	return nil
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n\n", formatVersion())

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗")
	}

	fmt.Println("Backend endpoint:", cfg.BackendEndpoint())

	status := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "not set"
	}
	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Println("Discord token:", status(discordReady))

	settingsPath := cfg.SettingsPath()
	if _, err := os.Stat(settingsPath); err == nil {
		fmt.Println("Settings:", settingsPath, "✓")
	} else {
		fmt.Println("Settings:", settingsPath, "not initialized")
	}
	if dbPath := cfg.TranscriptDBPath(); dbPath != "" {
		fmt.Println("Transcript DB:", dbPath)
	}
	return nil
}

// buildRuntime wires the shared pieces used by both the gateway and
// console modes.
func buildRuntime(cfg *config.Config) (*bus.MessageBus, *botstate.Store, *agent.Engine, *settings.Bridge, *settings.TranscriptStore, error) {
	client, err := kobold.NewClient(cfg.BackendEndpoint(), kobold.Timeouts{
		Generate:   time.Duration(cfg.Backend.GenerateTimeout) * time.Second,
		Image:      time.Duration(cfg.Backend.ImageTimeout) * time.Second,
		Search:     time.Duration(cfg.Backend.SearchTimeout) * time.Second,
		Transcribe: time.Duration(cfg.Backend.TranscribeTimeout) * time.Second,
		TTS:        time.Duration(cfg.Backend.TTSTimeout) * time.Second,
	})
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("create backend client: %w", err)
	}

	store := botstate.NewStore(botstate.Options{
		HistoryLimit:     cfg.Bot.HistoryLimit,
		MessageCharLimit: cfg.Bot.MessageCharLimit,
		DefaultIdleTime:  time.Duration(cfg.Bot.DefaultIdleTime) * time.Second,
		DefaultVoice:     cfg.Bot.DefaultVoice,
	})

	bridge := settings.NewBridge(cfg.SettingsPath(), cfg.Persistence.PersistHistory)
	bridge.Load(store)

	msgBus := bus.NewMessageBus()
	engine := agent.NewEngine(cfg, msgBus, store, client)
	engine.SetMutateHook(func() {
		if err := bridge.Save(store); err != nil {
			logger.WarnCF("settings", "Autosave after reply failed", map[string]any{
				"error": err.Error(),
			})
		}
	})

	var transcript *settings.TranscriptStore
	if dbPath := cfg.TranscriptDBPath(); dbPath != "" {
		transcript, err = settings.NewTranscriptStore(dbPath)
		if err != nil {
			msgBus.Close()
			return nil, nil, nil, nil, nil, fmt.Errorf("open transcript store: %w", err)
		}
		engine.SetTranscript(transcript)
	}

	return msgBus, store, engine, bridge, transcript, nil
}

func runGateway(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required in %s or KOBOCORD_CHANNELS_DISCORD_TOKEN", getConfigPath())
	}

	msgBus, store, engine, bridge, transcript, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer msgBus.Close()
	if transcript != nil {
		defer transcript.Close()
	}

	manager, err := channels.NewManager(cfg, msgBus, store, engine, bridge)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	autosaver := settings.NewAutosaver(bridge, store, cfg.Persistence.AutosaveCron)
	go autosaver.Run(ctx)
	go engine.Run(ctx)

	fmt.Printf("✓ Channels enabled: %s\n", strings.Join(manager.GetEnabledChannels(), ", "))
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	engine.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	manager.StopAll(stopCtx)

	if err := bridge.Save(store); err != nil {
		logger.WarnCF("settings", "Final save failed", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Stopped")
	return nil
}

// pumpOutbound forwards bus messages to a single channel until the
// context is cancelled or the bus closes.
func pumpOutbound(ctx context.Context, msgBus *bus.MessageBus, ch channels.Channel) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			// Cancelled context or closed bus; either way nothing
			// more will arrive.
			return
		}
		ch.Send(ctx, msg)
	}
}

func runConsole(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	msgBus, store, engine, bridge, transcript, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer msgBus.Close()
	if transcript != nil {
		defer transcript.Close()
	}

	store.GetOrCreate("console")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	console := channels.NewConsoleChannel(msgBus)
	if err := console.Start(ctx); err != nil {
		return err
	}

	go engine.Run(ctx)
	go pumpOutbound(ctx, msgBus, console)

	fmt.Printf("%s console (Ctrl+C or 'exit' to quit)\n\n", appName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	select {
	case <-sigChan:
	case <-console.Done():
	}

	cancel()
	engine.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	console.Stop(stopCtx)

	if err := bridge.Save(store); err != nil {
		logger.WarnCF("settings", "Final save failed", map[string]any{"error": err.Error()})
	}
	return nil
}
