// Package app wires all CodeCrew subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (store, model clients, tool registry, MCP servers, summarizer,
// engine), and Close tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithClientFactory, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codecrew-ai/codecrew/internal/config"
	"github.com/codecrew-ai/codecrew/internal/observe"
	"github.com/codecrew-ai/codecrew/internal/orchestrator"
	"github.com/codecrew-ai/codecrew/internal/tools"
	"github.com/codecrew-ai/codecrew/pkg/conversation"
	"github.com/codecrew-ai/codecrew/pkg/conversation/postgres"
	"github.com/codecrew-ai/codecrew/pkg/model"
)

// ErrTurnActive is returned when a turn is started on a session that already
// has one in flight. Turns within a session are strictly serial.
var ErrTurnActive = errors.New("app: a turn is already active on this session")

// ClientFactory builds a model client for one configured participant.
type ClientFactory func(pc config.ParticipantConfig) (model.Client, error)

// App owns all subsystem lifetimes and exposes the conversation surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Subsystems — initialised in New, torn down in Close.
	store        conversation.Store
	participants []*orchestrator.Participant
	registry     *tools.Registry
	executor     *tools.Executor
	perms        *tools.PermissionManager
	mcpHost      *tools.MCPHost
	summaries    *conversation.SummaryManager
	engine       *orchestrator.Engine
	metrics      *observe.Metrics

	clientFactory ClientFactory

	guard turnGuard

	// closers are called in reverse order during Close.
	closers   []func() error
	closeOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s conversation.Store) Option {
	return func(a *App) { a.store = s }
}

// WithClientFactory injects the model client constructor used for every
// participant.
func WithClientFactory(f ClientFactory) Option {
	return func(a *App) { a.clientFactory = f }
}

// WithMetrics injects the metrics instruments. Nil disables recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: store connection, participant client construction, builtin and
// MCP tool registration, and engine assembly.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config.ApplyDefaults(cfg)

	a := &App{
		cfg:           cfg,
		logger:        logger,
		clientFactory: defaultClientFactory,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Participants ──────────────────────────────────────────────────
	if err := a.initParticipants(); err != nil {
		return nil, fmt.Errorf("app: init participants: %w", err)
	}

	// ── 3. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Summarizer ────────────────────────────────────────────────────
	a.initSummaries()

	// ── 5. Engine ────────────────────────────────────────────────────────
	a.initEngine()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured, otherwise falls
// back to the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.logger.Warn("no postgres_dsn configured, history will not survive restarts")
		a.store = conversation.NewMemoryStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initParticipants constructs one model client per enabled participant.
// Disabled participants are skipped entirely and are not mentionable.
func (a *App) initParticipants() error {
	for _, pc := range a.cfg.Participants {
		if !pc.IsEnabled() {
			a.logger.Info("participant disabled by config", "participant", pc.ID)
			continue
		}

		client, err := a.clientFactory(pc)
		if err != nil {
			return fmt.Errorf("participant %q: %w", pc.ID, err)
		}

		name := pc.DisplayName
		if name == "" {
			name = pc.ID
		}
		a.participants = append(a.participants, &orchestrator.Participant{
			ID:               pc.ID,
			DisplayName:      name,
			Color:            pc.Color,
			Model:            pc.Model,
			Enabled:          true,
			Temperature:      pc.Temperature,
			MaxTokens:        pc.MaxTokens,
			MaxContextTokens: pc.MaxContextTokens,
			Client:           client,
		})
	}

	if len(a.participants) == 0 {
		return errors.New("no enabled participants")
	}
	return nil
}

// initTools builds the registry (builtins plus MCP imports), the permission
// manager, and the executor.
func (a *App) initTools(ctx context.Context) error {
	a.registry = tools.NewRegistry()

	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	if err := tools.RegisterBuiltins(a.registry, root); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}
	if err := tools.RegisterGitTools(a.registry, root); err != nil {
		return fmt.Errorf("register git tools: %w", err)
	}

	if len(a.cfg.Tools.MCPServers) > 0 {
		a.mcpHost = tools.NewMCPHost(a.logger)
		a.closers = append(a.closers, a.mcpHost.Close)
		for _, srv := range a.cfg.Tools.MCPServers {
			serverCfg := tools.MCPServerConfig{
				Name:      srv.Name,
				Transport: srv.Transport,
				Command:   srv.Command,
				URL:       srv.URL,
				Level:     tools.Level(srv.Level),
				Env:       srv.Env,
			}
			if err := a.mcpHost.RegisterServer(ctx, a.registry, serverCfg); err != nil {
				return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
			}
			a.logger.Info("registered MCP server", "name", srv.Name)
		}
	}

	overrides := make(map[string]tools.Level, len(a.cfg.Tools.Overrides))
	for name, level := range a.cfg.Tools.Overrides {
		l := tools.Level(level)
		if !l.IsValid() {
			return fmt.Errorf("tool override %q: invalid level %q", name, level)
		}
		overrides[name] = l
	}
	a.perms = tools.NewPermissionManager(a.cfg.Tools.ApproveCautious, overrides)
	a.executor = tools.NewExecutor(a.registry, a.cfg.Tools.Timeout(), a.logger)
	return nil
}

// initSummaries wires end-of-turn summarization when enabled. The summarizing
// model is the configured participant's, defaulting to the first one.
func (a *App) initSummaries() {
	if !a.cfg.Summarize.IsEnabled() {
		return
	}

	p := a.participants[0]
	if want := a.cfg.Summarize.Participant; want != "" {
		for _, q := range a.participants {
			if q.ID == want {
				p = q
				break
			}
		}
	}

	a.summaries = conversation.NewSummaryManager(
		a.store,
		conversation.NewModelSummarizer(p.Client),
		a.cfg.Summarize.TokenThreshold,
		a.logger,
	)
	a.logger.Info("summarization enabled",
		"participant", p.ID,
		"token_threshold", a.cfg.Summarize.TokenThreshold)
}

// initEngine assembles the turn engine from the subsystems above.
func (a *App) initEngine() {
	conv := a.cfg.Conversation

	fixedOrder := conv.FixedOrder
	if len(fixedOrder) == 0 {
		for _, p := range a.participants {
			fixedOrder = append(fixedOrder, p.ID)
		}
	}

	a.engine = orchestrator.NewEngine(orchestrator.EngineConfig{
		Store:             a.store,
		Participants:      a.participants,
		Evaluator:         orchestrator.NewEvaluator(conv.SilenceThreshold, conv.EvalTimeout(), a.logger, a.metrics),
		Turns:             orchestrator.NewTurnManager(orderStrategy(conv.FirstResponder), fixedOrder),
		Assembler:         orchestrator.NewAssembler(conv.ResponseReserveTokens, a.logger),
		Registry:          a.registry,
		Executor:          a.executor,
		Permissions:       a.perms,
		Summaries:         a.summaries,
		MaxToolIterations: conv.MaxToolIterations,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
}

// ─── Conversation surface ────────────────────────────────────────────────────

// NewSession creates and persists a fresh session.
func (a *App) NewSession(ctx context.Context, name, projectRoot string) (*conversation.Session, error) {
	sess := conversation.Session{
		ID:          uuid.NewString(),
		Name:        name,
		ProjectRoot: projectRoot,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}
	if a.metrics != nil {
		a.metrics.ActiveSessions.Add(ctx, 1)
	}
	return &sess, nil
}

// ProcessTurn runs one conversation turn. At most one turn may be in flight
// per session; a second call while one is active returns [ErrTurnActive].
// The returned stream is closed after the turn's final event.
func (a *App) ProcessTurn(ctx context.Context, sessionID, text string) (<-chan orchestrator.Event, error) {
	if !a.guard.acquire(sessionID) {
		return nil, fmt.Errorf("%w (session %s)", ErrTurnActive, sessionID)
	}
	ch, err := a.engine.ProcessTurn(ctx, sessionID, text)
	if err != nil {
		a.guard.release(sessionID)
		return nil, err
	}
	return a.relay(sessionID, ch), nil
}

// RetrySpeaker re-runs a single failed speaker on the session tail. It takes
// the same per-session turn slot as ProcessTurn.
func (a *App) RetrySpeaker(ctx context.Context, sessionID, participantID string) (<-chan orchestrator.Event, error) {
	if !a.guard.acquire(sessionID) {
		return nil, fmt.Errorf("%w (session %s)", ErrTurnActive, sessionID)
	}
	ch, err := a.engine.RetrySpeaker(ctx, sessionID, participantID)
	if err != nil {
		a.guard.release(sessionID)
		return nil, err
	}
	return a.relay(sessionID, ch), nil
}

// relay forwards the turn stream and frees the session's turn slot when the
// engine closes it.
func (a *App) relay(sessionID string, in <-chan orchestrator.Event) <-chan orchestrator.Event {
	out := make(chan orchestrator.Event)
	go func() {
		defer close(out)
		defer a.guard.release(sessionID)
		for ev := range in {
			out <- ev
		}
	}()
	return out
}

// Store exposes the persistence layer for session management commands
// (listing, search, pinning, export/import).
func (a *App) Store() conversation.Store { return a.store }

// Participants returns the active participant roster.
func (a *App) Participants() []*orchestrator.Participant { return a.participants }

// Close tears down all subsystems in reverse initialisation order.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// orderStrategy maps the config strategy onto the turn manager's.
func orderStrategy(s config.Strategy) orchestrator.OrderStrategy {
	switch s {
	case config.StrategyRotate:
		return orchestrator.OrderRotate
	case config.StrategyFixed:
		return orchestrator.OrderFixed
	default:
		return orchestrator.OrderConfidence
	}
}

// turnGuard is the per-session single-flight lock.
type turnGuard struct {
	mu     sync.Mutex
	active map[string]bool
}

func (g *turnGuard) acquire(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		g.active = map[string]bool{}
	}
	if g.active[sessionID] {
		return false
	}
	g.active[sessionID] = true
	return true
}

func (g *turnGuard) release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, sessionID)
}
