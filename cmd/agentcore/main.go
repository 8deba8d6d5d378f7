// Command agentcore is a minimal line-oriented CLI driving the Session
// Façade directly: one prompt, print deltas as they arrive, repeat.
//
// Grounded on the teacher's cmd/cli/main.go for styling conventions
// (lipgloss color palette) and provider wiring (GEMINI_API_KEY, LOG_LEVEL
// env handling), but dropping its bubbletea/bubbles/glamour TUI event
// loop entirely — this core has no UI contract beyond optional status
// text (spec.md §1 Non-goals).
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	go run ./cmd/agentcore
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"

	"github.com/kestrel-sh/agentcore/pkg/compact"
	"github.com/kestrel-sh/agentcore/pkg/config"
	"github.com/kestrel-sh/agentcore/pkg/provider/gemini"
	"github.com/kestrel-sh/agentcore/pkg/retry"
	"github.com/kestrel-sh/agentcore/pkg/session"
	"github.com/kestrel-sh/agentcore/pkg/store/jsonl"
	"github.com/kestrel-sh/agentcore/pkg/tool"
	"github.com/kestrel-sh/agentcore/pkg/turn"
)

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func main() {
	if lv := os.Getenv("LOG_LEVEL"); lv == "debug" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "GEMINI_API_KEY is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, apiKey); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, apiKey string) error {
	dir, err := config.Resolve()
	if err != nil {
		return fmt.Errorf("resolving agent dir: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting cwd: %w", err)
	}
	sessionsDir, err := dir.SessionsDir(cwd)
	if err != nil {
		return fmt.Errorf("resolving sessions dir: %w", err)
	}

	manager, err := jsonl.NewManager(sessionsDir)
	if err != nil {
		return fmt.Errorf("opening session manager: %w", err)
	}

	storeSess, err := manager.ContinueRecent()
	if err != nil {
		storeSess, err = manager.New(cwd, "")
		if err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
	}
	defer storeSess.Close()

	prov, err := gemini.New(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("creating gemini provider: %w", err)
	}
	defer prov.Close()

	tools := tool.NewRegistry()
	tools.Register(&tool.ListFiles{})
	tools.Register(&tool.ReadFile{})
	tools.Register(&tool.WriteFile{})

	sess := session.New(storeSess, prov, tools, session.Options{
		SystemPrompt: "You are a helpful coding agent with access to file tools.",
		Retry:        retry.DefaultConfig,
		Compaction: compact.Config{
			ContextWindow:    1_000_000,
			ReserveTokens:    50_000,
			KeepRecentTokens: 400_000,
			CompactionModel:  "gemini-2.0-flash",
		},
	})
	defer sess.Close()

	events := sess.Subscribe(ctx)
	go printEvents(events)

	fmt.Println(statusStyle.Render("agentcore session " + sess.ID() + " — type a message, /exit to quit"))
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(userStyle.Render("> "))
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" {
			return nil
		}
		if err := sess.Prompt(ctx, line); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
	}
}

func printEvents(events <-chan turn.Event) {
	for ev := range events {
		switch ev.Kind {
		case turn.EvTextDelta:
			fmt.Print(ev.Text)
		case turn.EvTurnEnd:
			fmt.Println()
		case turn.EvAutoRetryStart:
			fmt.Println(statusStyle.Render(fmt.Sprintf("retrying (attempt %d): %v", ev.Attempt, ev.Err)))
		case turn.EvAutoCompactStart:
			fmt.Println(statusStyle.Render("compacting context..."))
		case turn.EvToolCallStart:
			fmt.Println(statusStyle.Render("running tools..."))
		}
	}
}
