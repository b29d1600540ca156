package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/kobocord/kobocord/pkg/bus"
)

// consoleChatID is the fixed chat key for the local console session.
const consoleChatID = "console"

// ConsoleChannel is a local readline-backed channel for talking to the
// bot without Discord. Every line is treated as a direct address.
type ConsoleChannel struct {
	*BaseChannel
	rl     *readline.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsoleChannel(msgBus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", msgBus, nil),
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".kobocord_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.rl = rl
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setRunning(true)

	go c.readLoop(loopCtx)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		c.HandleMessage("console-user", "You", consoleChatID, input, true, nil)
	}
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	if !c.IsRunning() {
		return nil
	}
	c.cancel()
	if c.rl != nil {
		c.rl.Close()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	c.setRunning(false)
	return nil
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	for _, f := range msg.Files {
		fmt.Printf("[attachment: %s, %d bytes]\n", f.Name, len(f.Data))
	}
	if msg.Content != "" {
		fmt.Printf("\nBot: %s\n\n", msg.Content)
	}
	return nil
}

// Done reports when the interactive loop has exited, whether from EOF,
// interrupt, or an explicit exit command.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}
