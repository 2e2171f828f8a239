package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/reasoning"
)

// ChatCmd starts an interactive chat session with one agent.
type ChatCmd struct {
	Mode    string `help:"Thinking mode (react, plan_solve, decision)."`
	Model   string `help:"Model name override."`
	APIKey  string `name:"api-key" help:"API key (defaults to OPENAI_API_KEY)."`
	BaseURL string `name:"base-url" help:"Custom API base URL."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cli, func(cfg *config.Config) {
		if c.Mode != "" {
			cfg.ThinkingMode = c.Mode
		}
		if c.Model != "" {
			cfg.LLM.Model = c.Model
		}
		if c.APIKey != "" {
			cfg.LLM.APIKey = c.APIKey
		}
		if c.BaseURL != "" {
			cfg.LLM.BaseURL = c.BaseURL
		}
	})
	if err != nil {
		return err
	}
	defer rt.close()

	fmt.Printf("Chatting with %s (%s mode). Type /help for commands.\n",
		rt.agent.Name(), rt.cfg.NormalizedThinkingMode())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if done := c.handleCommand(rt, input); done {
				return nil
			}
			continue
		}

		answer, err := rt.agent.ProcessInput(ctx, input, nil)
		switch {
		case errors.Is(err, reasoning.ErrCancelled) && ctx.Err() != nil:
			fmt.Println("\nInterrupted.")
			return nil
		case err != nil:
			fmt.Println(answer)
		default:
			fmt.Println(answer)
		}
	}
	return scanner.Err()
}

// handleCommand runs one slash command. It returns true when the
// session should end.
func (c *ChatCmd) handleCommand(rt *runtime, input string) bool {
	switch input {
	case "/exit", "/quit":
		return true
	case "/tools":
		infos := rt.agent.Tools().ListTools()
		if len(infos) == 0 {
			fmt.Println("No tools registered.")
			return false
		}
		for _, info := range infos {
			fmt.Printf("  %-30s %s\n", info.Name, info.Description)
		}
	case "/servers":
		stats := rt.pool.Stats()
		fmt.Printf("Servers: %d total, %d connected, %d tools mirrored\n",
			len(stats.Servers), stats.Connected, stats.TotalTools)
	case "/history":
		for _, msg := range rt.agent.History() {
			fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		}
	case "/help":
		fmt.Println("Commands: /tools /servers /history /exit")
	default:
		fmt.Printf("Unknown command %q. Try /help.\n", input)
	}
	return false
}
