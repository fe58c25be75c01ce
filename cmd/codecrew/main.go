// Command codecrew is the terminal front end of the CodeCrew group chat:
// multiple model participants sharing one conversation, with @mention
// routing, tool use, and persistent history.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codecrew-ai/codecrew/internal/app"
	"github.com/codecrew-ai/codecrew/internal/config"
	"github.com/codecrew-ai/codecrew/internal/health"
	"github.com/codecrew-ai/codecrew/internal/observe"
	"github.com/codecrew-ai/codecrew/internal/orchestrator"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "codecrew.yaml", "path to the YAML configuration file")
	sessionID := flag.String("session", "", "resume an existing session by id")
	sessionName := flag.String("name", "", "name for a newly created session")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "codecrew: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "codecrew: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry (optional) ──────────────────────────────────────────────────
	var metrics *observe.Metrics
	if cfg.Metrics.ListenAddr != "" {
		otelShutdown, err := observe.Setup(observe.Config{})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
		metrics = observe.DefaultMetrics()
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, logger, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		if err := application.Close(); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── Metrics + health endpoints ────────────────────────────────────────────
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.StoreCheck(application.Store()),
			health.ParticipantsCheck(application.Participants()),
		).Register(mux)

		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "err", err)
			}
		}()
	}

	// ── Session ───────────────────────────────────────────────────────────────
	sid := *sessionID
	if sid == "" {
		name := *sessionName
		if name == "" {
			name = "session " + time.Now().Format("2006-01-02 15:04")
		}
		root, _ := os.Getwd()
		sess, err := application.NewSession(ctx, name, root)
		if err != nil {
			slog.Error("failed to create session", "err", err)
			return 1
		}
		sid = sess.ID
	} else if _, err := application.Store().GetSession(ctx, sid); err != nil {
		slog.Error("failed to resume session", "session", sid, "err", err)
		return 1
	}

	printStartupSummary(cfg, sid)

	if err := runREPL(ctx, application, sid); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("repl error", "err", err)
		return 1
	}
	fmt.Println("bye")
	return 0
}

// ─── REPL ─────────────────────────────────────────────────────────────────────

// runREPL reads user lines and streams each turn's events to the terminal.
// Lines starting with "/" are commands; everything else is a chat message.
func runREPL(ctx context.Context, application *app.App, sessionID string) error {
	in := bufio.NewReader(os.Stdin)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		if err != nil {
			return nil // EOF ends the chat
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, application, sessionID, line, in)
			if err != nil {
				fmt.Fprintf(os.Stderr, "codecrew: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		ch, err := application.ProcessTurn(ctx, sessionID, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "codecrew: %v\n", err)
			continue
		}
		renderTurn(ch, in)
	}
}

// runCommand handles a "/" command line and reports whether to exit.
func runCommand(ctx context.Context, application *app.App, sessionID, line string, in *bufio.Reader) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/retry":
		if arg == "" {
			return false, errors.New("usage: /retry <participant>")
		}
		ch, err := application.RetrySpeaker(ctx, sessionID, arg)
		if err != nil {
			return false, err
		}
		renderTurn(ch, in)
		return false, nil

	case "/sessions":
		sessions, err := application.Store().ListSessions(ctx, false)
		if err != nil {
			return false, err
		}
		for _, s := range sessions {
			fmt.Printf("  %s  %s (updated %s)\n", s.ID, s.Name, s.UpdatedAt.Format(time.RFC3339))
		}
		return false, nil

	case "/participants":
		for _, p := range application.Participants() {
			state := "ready"
			if !p.Available() {
				state = "unavailable"
			}
			fmt.Printf("  @%s  %s (%s)\n", p.ID, p.DisplayName, state)
		}
		return false, nil

	case "/search":
		if arg == "" {
			return false, errors.New("usage: /search <query>")
		}
		msgs, err := application.Store().Search(ctx, arg, conversation.SearchOpts{SessionID: sessionID, Limit: 20})
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			fmt.Printf("  %s  [%s] %s\n", m.ID, m.Author, truncate(m.Content, 80))
		}
		return false, nil

	case "/pin", "/unpin":
		if arg == "" {
			return false, fmt.Errorf("usage: %s <message-id>", cmd)
		}
		return false, application.Store().SetPinned(ctx, arg, cmd == "/pin")

	case "/export":
		if arg == "" {
			return false, errors.New("usage: /export <file>")
		}
		exp, err := application.Store().Export(ctx, sessionID)
		if err != nil {
			return false, err
		}
		data, err := json.MarshalIndent(exp, "", "  ")
		if err != nil {
			return false, err
		}
		return false, os.WriteFile(arg, data, 0o644)

	case "/import":
		if arg == "" {
			return false, errors.New("usage: /import <file>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return false, err
		}
		var exp conversation.SessionExport
		if err := json.Unmarshal(data, &exp); err != nil {
			return false, err
		}
		if err := application.Store().Import(ctx, &exp); err != nil {
			return false, err
		}
		fmt.Printf("imported session %s (%d messages)\n", exp.Session.ID, len(exp.Messages))
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

// renderTurn prints the event stream of one turn, pausing on permission
// requests.
func renderTurn(ch <-chan orchestrator.Event, in *bufio.Reader) {
	for ev := range ch {
		switch ev.Type {
		case orchestrator.EventThinking:
			fmt.Println("· thinking…")
		case orchestrator.EventWillSpeak:
			fmt.Printf("· %s will speak (%.2f: %s)\n", ev.Participant, ev.Confidence, ev.Reason)
		case orchestrator.EventWillStaySilent:
			fmt.Printf("· %s stays silent (%s)\n", ev.Participant, ev.Reason)
		case orchestrator.EventResponseStart:
			fmt.Printf("\n[%s] ", ev.Participant)
		case orchestrator.EventResponseChunk:
			fmt.Print(ev.Text)
		case orchestrator.EventResponseComplete:
			fmt.Println()
		case orchestrator.EventToolCall:
			fmt.Printf("\n· %s calls %s(%s)\n", ev.Participant, ev.ToolCall.Name, ev.ToolCall.Arguments)
		case orchestrator.EventToolPermissionRequest:
			ev.Reply <- askPermission(ev, in)
		case orchestrator.EventToolResult:
			if ev.ToolResult.IsError {
				fmt.Printf("· tool error: %s\n", ev.ToolResult.Content)
			}
		case orchestrator.EventError:
			fmt.Fprintf(os.Stderr, "! %s: %s (%s)\n", ev.Participant, ev.Message, ev.Kind)
		case orchestrator.EventTurnComplete:
			fmt.Println()
		}
	}
}

// askPermission prompts for one tool approval: yes, no, or always (remember
// for this session).
func askPermission(ev orchestrator.Event, in *bufio.Reader) orchestrator.PermissionReply {
	fmt.Printf("? %s wants to run %s [%s] %s — allow? [y/n/a] ",
		ev.Participant, ev.ToolCall.Name, ev.Level, ev.ToolCall.Arguments)
	line, err := in.ReadString('\n')
	if err != nil {
		return orchestrator.PermissionReply{Allow: false}
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return orchestrator.PermissionReply{Allow: true}
	case "a", "always":
		return orchestrator.PermissionReply{Allow: true, RememberForSession: true}
	default:
		return orchestrator.PermissionReply{Allow: false}
	}
}

// ─── Startup ──────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, sessionID string) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║        CodeCrew — startup summary        ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	for _, p := range cfg.Participants {
		state := p.Provider + " / " + p.Model
		if !p.IsEnabled() {
			state = "(disabled)"
		}
		printRow("@"+p.ID, state)
	}
	storage := "in-memory"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}
	printRow("Storage", storage)
	printRow("Strategy", string(cfg.Conversation.FirstResponder))
	printRow("MCP servers", fmt.Sprintf("%d", len(cfg.Tools.MCPServers)))
	if cfg.Metrics.ListenAddr != "" {
		printRow("Metrics", cfg.Metrics.ListenAddr)
	}
	printRow("Session", sessionID)
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println("mention participants with @name, @all for everyone; /quit to exit")
}

func printRow(key, value string) {
	if len(value) > 24 {
		value = value[:23] + "…"
	}
	fmt.Printf("║  %-12s : %-24s║\n", key, value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ─── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
