// stillmind - on-device mindfulness coaching chat.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/stillmind/internal/coach"
	"github.com/jeranaias/stillmind/internal/config"
	"github.com/jeranaias/stillmind/internal/engine"
	"github.com/jeranaias/stillmind/internal/inference"
	"github.com/jeranaias/stillmind/internal/kvstore"
	"github.com/jeranaias/stillmind/internal/modelcache"
	"github.com/jeranaias/stillmind/internal/offline"
	"github.com/jeranaias/stillmind/internal/prompts"
	"github.com/jeranaias/stillmind/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[Error] %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}

	// The inference daemon must never be a remote endpoint.
	if err := offline.ValidateEngineURL(cfg.Engine.URL); err != nil {
		return err
	}

	client := engine.NewClientWithConfig(&engine.ClientConfig{
		BaseURL: cfg.Engine.URL,
		Timeout: time.Duration(cfg.Engine.TimeoutSecs) * time.Second,
	})

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("inference daemon is not running at %s", cfg.Engine.URL)
	}

	kv, err := kvstore.OpenSQLite(filepath.Join(config.Dir(), "stillmind.db"))
	if err != nil {
		return fmt.Errorf("failed to open data store: %w", err)
	}
	defer kv.Close()

	cache := modelcache.New(client, kv, modelcache.Config{
		ModelSizeBytes:    cfg.Model.SizeBytes,
		DiskHeadroomBytes: 500_000_000,
		DataDir:           config.Dir(),
		Retries:           cfg.Model.DownloadRetries,
		RetryDelay:        2 * time.Second,
		ProgressPerSecond: 4,
	})

	if err := ensureModel(ctx, cache, cfg.Model.Name); err != nil {
		return err
	}

	session := inference.NewSession(client, cfg.Model.Name, inference.Config{
		Params: engine.ModelParams{
			MaxTokens:   cfg.Inference.MaxTokens,
			TopK:        cfg.Inference.TopK,
			TopP:        cfg.Inference.TopP,
			Temperature: cfg.Inference.Temperature,
		},
		Timeout:    cfg.InferenceTimeout(),
		Quiescence: cfg.Quiescence(),
		Retries:    cfg.Inference.Retries,
	})
	fmt.Fprintln(os.Stderr, "[Loading model...]")
	if err := session.Initialize(ctx); err != nil {
		return err
	}
	defer session.Release(context.Background())

	store := storage.NewConversationStore(kv)
	if cfg.Storage.RetentionDays > 0 {
		if n, err := store.CleanupOld(cfg.Storage.RetentionDays); err == nil && n > 0 {
			fmt.Fprintf(os.Stderr, "[Cleaned up %d old messages]\n", n)
		}
	}

	orchestrator := coach.New(session, store, coach.Config{
		Topic:         prompts.Topic(cfg.Coach.Topic),
		UserContext:   cfg.Coach.UserContext,
		HistoryWindow: cfg.Storage.HistoryWindow,
	})

	return runREPL(orchestrator, store, cache, cfg)
}

// ensureModel downloads the model when it is not already on device.
func ensureModel(ctx context.Context, cache *modelcache.Cache, model string) error {
	if cache.Available(ctx, model) {
		return nil
	}

	fmt.Fprintf(os.Stderr, "[Downloading %s...]\n", model)
	err := cache.Download(ctx, model, func(fraction float64, downloaded, total int64) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r  %3.0f%% (%d / %d MB)", fraction*100, downloaded>>20, total>>20)
		} else {
			fmt.Fprintf(os.Stderr, "\r  %3.0f%%", fraction*100)
		}
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "[Download complete]")
	return nil
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// chatCLI provides input history and line editing for the REPL.
type chatCLI struct {
	line        *liner.State
	historyFile string
}

func newChatCLI() *chatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	cli := &chatCLI{
		line:        line,
		historyFile: filepath.Join(config.Dir(), "chat_history"),
	}
	if f, err := os.Open(cli.historyFile); err == nil {
		cli.line.ReadHistory(f)
		f.Close()
	}
	return cli
}

func (c *chatCLI) readInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

func (c *chatCLI) close() {
	if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		c.line.WriteHistory(f)
		f.Close()
	}
	c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

func runREPL(orchestrator *coach.Orchestrator, store *storage.ConversationStore, cache *modelcache.Cache, cfg *config.Config) error {
	cli := newChatCLI()
	defer cli.close()

	fmt.Println()
	fmt.Println("stillmind - a quiet space to check in with yourself")
	fmt.Println(strings.Repeat("─", 40))
	fmt.Printf("Model: %s\n", cfg.Model.Name)
	fmt.Println()
	fmt.Println("Type a message, or /help for commands. Ctrl+C stops a reply.")
	fmt.Println()

	// Ctrl+C during generation stops the reply instead of exiting.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			orchestrator.StopGeneration()
			fmt.Fprintln(os.Stderr, "\n[Stopped]")
		}
	}()

	for {
		input, err := cli.readInput("you> ")
		if err != nil {
			// Ctrl+C at the prompt or Ctrl+D both exit.
			fmt.Println("\nTake care.")
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := handleSlashCommand(input, orchestrator, store, cache, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[Error] %v\n", err)
			}
			if !keepGoing {
				fmt.Println("Take care.")
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			fmt.Println("Take care.")
			return nil
		}

		if err := sendAndStream(orchestrator, input); err != nil {
			fmt.Fprintf(os.Stderr, "[Error] %v\n", err)
		}
	}
}

// sendAndStream sends one message and streams the reply as it grows.
func sendAndStream(orchestrator *coach.Orchestrator, input string) error {
	fmt.Println()

	printed := 0
	_, err := orchestrator.SendMessage(context.Background(), input, func(cumulative string) {
		if len(cumulative) > printed {
			fmt.Print(cumulative[printed:])
			printed = len(cumulative)
		}
	})

	fmt.Println()
	fmt.Println()
	return err
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func handleSlashCommand(cmd string, orchestrator *coach.Orchestrator, store *storage.ConversationStore, cache *modelcache.Cache, cfg *config.Config) (bool, error) {
	parts := strings.Fields(cmd)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		printHelp()
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	case "/clear", "/c":
		if err := orchestrator.ClearChat(); err != nil {
			return true, err
		}
		fmt.Println("[Conversation cleared]")
		return true, nil

	case "/breathe":
		return true, sendQuickAction(orchestrator, prompts.ActionBreathingExercise)

	case "/bodyscan":
		return true, sendQuickAction(orchestrator, prompts.ActionBodyScan)

	case "/checkin":
		return true, sendQuickAction(orchestrator, prompts.ActionStressCheckIn)

	case "/sessions":
		fmt.Print(store.FormatSessionList())
		return true, nil

	case "/stats":
		printStats(store)
		return true, nil

	case "/search":
		if len(args) == 0 {
			return true, fmt.Errorf("usage: /search <query>")
		}
		return true, printSearch(store, strings.Join(args, " "))

	case "/export":
		format := "json"
		if len(args) > 0 {
			format = strings.ToLower(args[0])
		}
		return true, exportHistory(store, format)

	case "/model":
		return true, printModelStatus(cache, cfg.Model.Name)

	case "/delete-model":
		if err := cache.Delete(context.Background(), cfg.Model.Name); err != nil {
			return true, err
		}
		fmt.Println("[Model deleted; restart to download again]")
		return true, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

func sendQuickAction(orchestrator *coach.Orchestrator, action prompts.QuickAction) error {
	fmt.Println()
	printed := 0
	_, err := orchestrator.SendQuickAction(context.Background(), action, func(cumulative string) {
		if len(cumulative) > printed {
			fmt.Print(cumulative[printed:])
			printed = len(cumulative)
		}
	})
	fmt.Println()
	fmt.Println()
	return err
}

func printHelp() {
	fmt.Println()
	fmt.Println("Available Commands")
	fmt.Println(strings.Repeat("─", 20))
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/clear, /c", "Clear conversation and start fresh"},
		{"/breathe", "Guided breathing exercise"},
		{"/bodyscan", "Guided body scan"},
		{"/checkin", "Stress check-in"},
		{"/sessions", "List past sessions"},
		{"/stats", "Show usage statistics"},
		{"/search <query>", "Search past messages"},
		{"/export [json|md]", "Export conversation history"},
		{"/model", "Show model status"},
		{"/delete-model", "Delete the downloaded model"},
		{"/quit, /q", "Exit"},
	}
	for _, c := range commands {
		fmt.Printf("  %-18s %s\n", c.cmd, c.desc)
	}
	fmt.Println()
	fmt.Println("Tip: Ctrl+C stops the current reply, Ctrl+D exits")
	fmt.Println()
}

func printStats(store *storage.ConversationStore) {
	stats := store.ComputeStatistics()
	fmt.Println()
	fmt.Println("Usage Statistics")
	fmt.Println(strings.Repeat("─", 20))
	fmt.Printf("  Messages:  %d (%d you, %d coach)\n", stats.TotalMessages, stats.UserMessages, stats.AssistantMessages)
	fmt.Printf("  Sessions:  %d\n", stats.SessionCount)
	fmt.Printf("  Days:      %d active\n", stats.ActiveDays)
	fmt.Printf("  Per day:   %.1f messages\n", stats.MessagesPerDay)
	fmt.Println()
}

func printSearch(store *storage.ConversationStore, query string) error {
	matches := store.SearchMessages(query)
	if len(matches) == 0 {
		fmt.Println("[No matches]")
		return nil
	}
	fmt.Println()
	for _, msg := range matches {
		label := "You"
		if msg.Role == storage.RoleAssistant {
			label = "Coach"
		}
		content := strings.ReplaceAll(msg.Content, "\n", " ")
		runes := []rune(content)
		if len(runes) > 100 {
			content = string(runes[:100]) + "..."
		}
		fmt.Printf("  %s  %s: %s\n", msg.Timestamp.Format("Jan 2 15:04"), label, content)
	}
	fmt.Println()
	return nil
}

func exportHistory(store *storage.ConversationStore, format string) error {
	var content, ext string
	switch format {
	case "json":
		out, err := store.ExportJSON()
		if err != nil {
			return err
		}
		content, ext = out, "json"
	case "md", "markdown":
		content, ext = store.ExportMarkdown(), "md"
	default:
		return fmt.Errorf("unknown export format %q (json or md)", format)
	}

	path := filepath.Join(config.Dir(), fmt.Sprintf("export-%s.%s", time.Now().Format("20060102-150405"), ext))
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return err
	}
	fmt.Printf("[Exported to %s]\n", path)
	return nil
}

func printModelStatus(cache *modelcache.Cache, model string) error {
	st := cache.Status(context.Background(), model)
	fmt.Println()
	fmt.Printf("  Model:       %s\n", st.Model)
	fmt.Printf("  Downloaded:  %v\n", st.Downloaded)
	if st.Downloading {
		fmt.Printf("  Downloading: %3.0f%%\n", st.Progress*100)
	}
	if st.Metadata != nil {
		fmt.Printf("  Size:        %d MB\n", st.Metadata.SizeBytes>>20)
		fmt.Printf("  Fetched:     %s\n", st.Metadata.DownloadedAt.Format("Jan 2, 2006"))
	}
	fmt.Println()
	return nil
}
