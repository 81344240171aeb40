// Package orchestrator is the phase state machine: it routes each player
// input to the current phase, follows phase changes made by tools, and
// keeps histories compacted between turns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/phase-engine/internal/compactor"
	"github.com/jwebster45206/phase-engine/internal/executor"
	"github.com/jwebster45206/phase-engine/internal/lock"
	"github.com/jwebster45206/phase-engine/internal/logger"
	"github.com/jwebster45206/phase-engine/internal/metrics"
	"github.com/jwebster45206/phase-engine/internal/services"
	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/scene"
	"github.com/jwebster45206/phase-engine/pkg/state"
	"github.com/jwebster45206/phase-engine/pkg/storage"
	"github.com/jwebster45206/phase-engine/pkg/tools"
)

// DefaultMarker is streamed between phases; %s is the new phase's display
// name.
const DefaultMarker = "\n\n*** %s ***\n\n"

var ErrSessionNotFound = errors.New("session not found")

// ContextBuilder assembles world context for a turn.
type ContextBuilder interface {
	BuildContext(ctx context.Context, sessionID string, p phase.Phase, recent []chat.Turn, input string) scene.ContextPackage
}

// TurnExecutor runs one exchange for a phase.
type TurnExecutor interface {
	Execute(ctx context.Context, ex executor.Exchange) *chat.Stream
}

// HistoryCompactor compacts a phase history when it is over its ceilings.
type HistoryCompactor interface {
	MaybeCompact(ctx context.Context, sessionID string, p phase.Phase) (*compactor.Record, error)
}

// PhaseSetup is the static wiring for one phase.
type PhaseSetup struct {
	Tools *tools.Registry
}

// PhaseTransition is a phase change detected after a turn.
type PhaseTransition struct {
	From           phase.Phase
	To             phase.Phase
	HandoffSummary string
}

// FallbackHandoff is used when the outgoing phase left no summary.
func FallbackHandoff(from, to phase.Phase) string {
	return fmt.Sprintf("The story moves from %s to %s.", from.DisplayName(), to.DisplayName())
}

type Config struct {
	Phases      phase.Config
	Marker      string        // transition marker format, DefaultMarker when empty
	TurnTimeout time.Duration // zero means no limit
	RecentTurns int           // turns handed to the context assembler
}

type Orchestrator struct {
	world     storage.Storage
	histories *history.Store
	context   ContextBuilder
	executor  TurnExecutor
	compactor HistoryCompactor
	locker    lock.Locker
	setups    map[phase.Phase]PhaseSetup
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Deps struct {
	World     storage.Storage
	Histories *history.Store
	Context   ContextBuilder
	Executor  TurnExecutor
	Compactor HistoryCompactor
	Locker    lock.Locker
	Setups    map[phase.Phase]PhaseSetup
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := cfg.Phases.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase config: %w", err)
	}
	if deps.World == nil || deps.Histories == nil || deps.Context == nil || deps.Executor == nil || deps.Compactor == nil {
		return nil, errors.New("orchestrator dependencies are incomplete")
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = 6
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		world:     deps.World,
		histories: deps.Histories,
		context:   deps.Context,
		executor:  deps.Executor,
		compactor: deps.Compactor,
		locker:    deps.Locker,
		setups:    deps.Setups,
		cfg:       cfg,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}, nil
}

// CreateSession stores a new session at the first configured phase.
func (o *Orchestrator) CreateSession(ctx context.Context) (*state.GameState, error) {
	gs := state.NewGameState(uuid.New().String())
	gs.Phase = string(o.cfg.Phases.First())
	if err := o.world.SaveGameState(ctx, gs.ID, gs); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.logger.Info("Created session", "session_id", gs.ID, "phase", gs.Phase)
	return gs, nil
}

// CurrentPhase resolves the session's phase without modifying it.
func (o *Orchestrator) CurrentPhase(ctx context.Context, sessionID string) (phase.Phase, error) {
	gs, err := o.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	p, _ := o.cfg.Phases.Resolve(phase.Phase(gs.Phase))
	return p, nil
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*state.GameState, error) {
	gs, err := o.world.LoadGameState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if gs == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return gs, nil
}

// RunTurn processes one player input and returns the stream of narration.
// The session stays locked until the stream is finished, including any
// turns run in phases entered along the way.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID string, input string) (*chat.Stream, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("input cannot be empty")
	}

	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	p, err := o.resolve(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}

	// The caller's ctx governs delivery to the player. The engine side also
	// carries the turn deadline, which degrades the turn instead of failing it.
	engineCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.cfg.TurnTimeout > 0 {
		engineCtx, cancel = context.WithTimeoutCause(ctx, o.cfg.TurnTimeout, services.ErrTimeout)
	}

	out := chat.NewStream()
	go func() {
		defer unlock()
		defer cancel()
		o.loop(ctx, engineCtx, sessionID, p, input, out)
	}()
	return out, nil
}

// resolve loads the session and heals a missing or unknown stored phase to
// the first configured phase.
func (o *Orchestrator) resolve(ctx context.Context, sessionID string) (phase.Phase, error) {
	gs, err := o.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	p, healed := o.cfg.Phases.Resolve(phase.Phase(gs.Phase))
	if healed {
		o.logger.Warn("Healing unknown session phase", "session_id", sessionID, "stored", gs.Phase, "phase", p)
		gs.Phase = string(p)
		if err := o.world.SaveGameState(ctx, sessionID, gs); err != nil {
			return "", fmt.Errorf("failed to save healed phase: %w", err)
		}
	}
	return p, nil
}

// relay forwards fragments to the player and keeps the text they saw.
type relay struct {
	out *chat.Stream
	sb  strings.Builder
}

func (r *relay) send(ctx context.Context, fragment string) bool {
	if !r.out.Send(ctx, fragment) {
		return false
	}
	r.sb.WriteString(fragment)
	return true
}

// loop runs turns until one completes without a phase change. At most
// len(Order) phase changes are followed per call; a change past that is
// announced but its hand-off is left pending on the session.
func (o *Orchestrator) loop(ctx, engineCtx context.Context, sessionID string, current phase.Phase, input string, out *chat.Stream) {
	r := &relay{out: out}
	maxHops := len(o.cfg.Phases.Order)

	for hops := 0; ; hops++ {
		log := logger.WithSession(o.logger, sessionID, string(current))

		o.compact(engineCtx, log, sessionID, current)

		s := o.executor.Execute(engineCtx, executor.Exchange{
			SessionID: sessionID,
			Phase:     current,
			Input:     input,
			Context:   o.context.BuildContext(engineCtx, sessionID, current, o.recent(engineCtx, log, sessionID, current), input),
			Tools:     o.setups[current].Tools,
		})
		for f := range s.Chunks() {
			if !r.send(ctx, f) {
				s.Wait()
				out.Close(r.sb.String(), ctx.Err())
				return
			}
		}
		if _, err := s.Wait(); err != nil {
			out.Close(r.sb.String(), err)
			return
		}
		if s.Degraded() {
			out.MarkDegraded()
			out.Close(r.sb.String(), nil)
			return
		}

		last := hops >= maxHops
		tr, err := o.transition(engineCtx, sessionID, current, !last)
		if err != nil {
			log.Error("Failed to check phase after turn", "error", err)
			out.Close(r.sb.String(), nil)
			return
		}
		o.compact(engineCtx, log, sessionID, current)
		if tr == nil {
			out.Close(r.sb.String(), nil)
			return
		}

		o.metrics.Transitioned(string(tr.From), string(tr.To))
		log.Info("Phase changed", "to", tr.To)

		if !r.send(ctx, fmt.Sprintf(o.cfg.Marker, tr.To.DisplayName())) {
			out.Close(r.sb.String(), ctx.Err())
			return
		}
		if last {
			log.Warn("Phase change limit reached, hand-off left pending", "to", tr.To, "changes", hops)
			out.Close(r.sb.String(), nil)
			return
		}
		current, input = tr.To, tr.HandoffSummary
	}
}

// transition re-reads the session after a turn. It returns nil when the
// phase is unchanged. When consume is set the pending hand-off summary is
// taken off the session; otherwise the session is left as the tools wrote it.
func (o *Orchestrator) transition(ctx context.Context, sessionID string, from phase.Phase, consume bool) (*PhaseTransition, error) {
	gs, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	to, healed := o.cfg.Phases.Resolve(phase.Phase(gs.Phase))
	if to == from && !healed {
		return nil, nil
	}
	if healed {
		// A tool wrote something unusable; stay where we are.
		gs.Phase = string(from)
		if err := o.world.SaveGameState(ctx, sessionID, gs); err != nil {
			return nil, fmt.Errorf("failed to restore phase: %w", err)
		}
		return nil, nil
	}

	tr := &PhaseTransition{From: from, To: to, HandoffSummary: strings.TrimSpace(gs.Handoff)}
	if tr.HandoffSummary == "" {
		tr.HandoffSummary = FallbackHandoff(from, to)
	}
	if !consume {
		return tr, nil
	}
	gs.Phase = string(to)
	gs.Handoff = ""
	if err := o.world.SaveGameState(ctx, sessionID, gs); err != nil {
		return nil, fmt.Errorf("failed to save phase change: %w", err)
	}
	return tr, nil
}

func (o *Orchestrator) recent(ctx context.Context, log *slog.Logger, sessionID string, p phase.Phase) []chat.Turn {
	h, err := o.histories.Snapshot(ctx, sessionID, p)
	if err != nil {
		log.Warn("Failed to read recent turns", "error", err)
		return nil
	}
	return h.Tail(o.cfg.RecentTurns)
}

// compact never fails the turn.
func (o *Orchestrator) compact(ctx context.Context, log *slog.Logger, sessionID string, p phase.Phase) {
	if ctx.Err() != nil {
		return
	}
	rec, err := o.compactor.MaybeCompact(ctx, sessionID, p)
	if err != nil {
		log.Error("Compaction failed", "error", err)
		return
	}
	if rec != nil {
		log.Debug("History compacted", "archive_key", rec.Key.String())
	}
}
