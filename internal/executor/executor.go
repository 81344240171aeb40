// Package executor runs one exchange with the generation engine for a
// phase: pre-flight validation, the streaming tool loop, and the single
// history append that commits the turn.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwebster45206/phase-engine/internal/metrics"
	"github.com/jwebster45206/phase-engine/internal/services"
	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/prompts"
	"github.com/jwebster45206/phase-engine/pkg/scene"
	"github.com/jwebster45206/phase-engine/pkg/tools"
)

const (
	DefaultMaxToolRounds = 8

	// Apology is streamed in place of a reply when the engine fails.
	// Degraded turns are never appended to the history.
	Apology = "The narrator loses the thread for a moment. Please try that again."
)

// Exchange is one player turn routed to a phase.
type Exchange struct {
	SessionID string
	Phase     phase.Phase
	Input     string
	Context   scene.ContextPackage
	Tools     *tools.Registry
}

type Config struct {
	MaxToolRounds int
	Rating        string // content rating appended to instructions
}

type Executor struct {
	llm     services.LLMService
	store   *history.Store
	loader  prompts.Loader
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(llm services.LLMService, store *history.Store, loader prompts.Loader, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if loader == nil {
		loader = prompts.DefaultLoader{}
	}
	return &Executor{llm: llm, store: store, loader: loader, cfg: cfg, metrics: m, logger: logger}
}

// Execute starts the exchange and returns its stream. The caller must
// consume the stream; Wait returns the final assistant text.
//
// Wait returns an error only when the turn would break the leading system
// turn of the history, or when ctx is cancelled by the caller. Other
// failures, including a deadline with cause services.ErrTimeout, stream
// Apology and mark the stream degraded.
func (e *Executor) Execute(ctx context.Context, ex Exchange) *chat.Stream {
	s := chat.NewStream()
	go e.run(ctx, ex, s)
	return s
}

// turn holds the state of one exchange.
type turn struct {
	ex       Exchange
	tmpl     string
	data     prompts.Data
	history  history.History
	seed     []chat.Turn // system turn for an empty history
	exchange []chat.Turn // assistant and tool turns of completed rounds
	repaired bool
	log      *slog.Logger
}

func (e *Executor) run(ctx context.Context, ex Exchange, s *chat.Stream) {
	start := time.Now()
	t := &turn{ex: ex, log: e.logger.With("session_id", ex.SessionID, "phase", ex.Phase)}

	outcome := metrics.OutcomeOK
	defer func() {
		e.metrics.TurnCompleted(string(ex.Phase), outcome, time.Since(start))
	}()

	degrade := func(msg string, err error) {
		if ctx.Err() != nil && !timedOut(ctx) {
			outcome = metrics.OutcomeCancelled
			t.log.Info("Turn cancelled, nothing appended")
			s.Close("", ctx.Err())
			return
		}
		if timedOut(ctx) {
			err = context.Cause(ctx)
		}
		outcome = metrics.OutcomeDegraded
		t.log.Error(msg, "error", err)
		s.MarkDegraded()
		// The apology still reaches the player after the turn deadline.
		s.Send(context.WithoutCancel(ctx), Apology)
		s.Close(Apology, nil)
	}

	if err := e.prepare(ctx, t); err != nil {
		if errors.Is(err, history.ErrInvariant) {
			outcome = metrics.OutcomeError
			s.Close("", err)
			return
		}
		degrade("Failed to prepare turn", err)
		return
	}

	e.preflight(ctx, t)

	final, err := e.exchange(ctx, t, s)
	if err != nil {
		degrade("Generation failed", err)
		return
	}

	// The consumer may have drained the last fragment after cancelling.
	if ctx.Err() != nil {
		degrade("Turn cancelled", ctx.Err())
		return
	}

	turns := append([]chat.Turn{}, t.seed...)
	turns = append(turns, chat.UserTurn(ex.Input))
	turns = append(turns, t.exchange...)
	turns = append(turns, final)
	if err := e.store.Append(ctx, ex.SessionID, ex.Phase, turns...); err != nil {
		if errors.Is(err, history.ErrInvariant) {
			outcome = metrics.OutcomeError
			s.Close(final.Content, err)
			return
		}
		outcome = metrics.OutcomeError
		t.log.Error("Failed to append turn", "error", err)
	}
	s.Close(final.Content, nil)
}

// timedOut reports whether ctx ended on the turn deadline rather than by
// the caller going away.
func timedOut(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), services.ErrTimeout)
}

// prepare loads the history and instructions and checks that the new turn
// can be appended without breaking the leading system turn.
func (e *Executor) prepare(ctx context.Context, t *turn) error {
	tmpl, err := e.loader.LoadInstructions(t.ex.Phase)
	if err != nil {
		return fmt.Errorf("failed to load instructions: %w", err)
	}
	t.tmpl = tmpl
	t.data = prompts.Data{
		PhaseName: t.ex.Phase.DisplayName(),
		SessionID: t.ex.SessionID,
		Rating:    e.cfg.Rating,
	}

	h, err := e.store.Snapshot(ctx, t.ex.SessionID, t.ex.Phase)
	if err != nil {
		return err
	}
	t.history = h
	if h.Len() > 0 && h.Turns[0].Role != chat.RoleSystem {
		return fmt.Errorf("%w: stored history starts with %s", history.ErrSystemTurnOrder, h.Turns[0].Role)
	}

	if h.Len() == 0 {
		seed, err := prompts.SystemTurn(tmpl, t.data)
		if err != nil {
			return fmt.Errorf("failed to render instructions: %w", err)
		}
		t.seed = []chat.Turn{seed}
	}
	_, err = h.Append(append(chat.CloneTurns(t.seed), chat.UserTurn(t.ex.Input))...)
	return err
}

// preflight validates tool sequencing locally and with a one-token probe.
// A sequencing fault triggers one repair and one retried probe; the
// repaired history is used whatever the retry reports.
func (e *Executor) preflight(ctx context.Context, t *turn) {
	if err := history.ValidateToolSequence(t.history.Turns); err != nil {
		t.log.Warn("Stored history fails tool sequencing, repairing", "error", err)
		e.repair(ctx, t, "preflight")
	}
	if t.history.Len() == 0 {
		return
	}

	err := e.probe(ctx, t)
	if !errors.Is(err, services.ErrToolSequence) {
		if err != nil {
			t.log.Warn("Pre-flight probe failed", "error", err)
		}
		return
	}
	t.log.Warn("Engine rejected tool sequence, repairing", "error", err)
	e.repair(ctx, t, "probe")
	if err := e.probe(ctx, t); err != nil {
		t.log.Warn("Probe after repair failed, continuing with repaired history", "error", err)
	}
}

func (e *Executor) probe(ctx context.Context, t *turn) error {
	conv, err := e.conversation(t)
	if err != nil {
		return err
	}
	_, err = e.llm.Complete(ctx, services.CompletionRequest{
		Turns:     conv,
		Tools:     t.ex.Tools.Definitions(),
		MaxTokens: 1,
	})
	return err
}

func (e *Executor) repair(ctx context.Context, t *turn, trigger string) {
	h, changed, err := e.store.Repair(ctx, t.ex.SessionID, t.ex.Phase)
	if err != nil {
		t.log.Error("Failed to repair history", "error", err)
		t.history = history.History{Turns: history.Repair(t.history.Turns), Compactions: t.history.Compactions}
	} else {
		t.history = h
	}
	t.repaired = true
	if changed {
		e.metrics.Repaired(string(t.ex.Phase), trigger)
	}
}

func (e *Executor) conversation(t *turn) ([]chat.Turn, error) {
	return prompts.New().
		WithInstructions(t.tmpl, t.data).
		WithContext(t.ex.Context).
		WithHistory(t.history.Turns).
		WithUserMessage(t.ex.Input).
		WithExchange(t.exchange).
		Build()
}

// exchange streams rounds until the engine replies without tool
// invocations, and returns that final assistant turn.
func (e *Executor) exchange(ctx context.Context, t *turn, s *chat.Stream) (chat.Turn, error) {
	for round := 0; ; round++ {
		last := round >= e.cfg.MaxToolRounds
		text, invocations, sent, err := e.round(ctx, t, s, last)
		if err != nil {
			if ctx.Err() != nil {
				return chat.Turn{}, ctx.Err()
			}
			// Nothing reached the player yet, so a sequencing fault can
			// still be repaired and the round retried once.
			if errors.Is(err, services.ErrToolSequence) && !sent && !t.repaired {
				t.log.Warn("Engine rejected tool sequence mid-turn, repairing", "error", err)
				e.repair(ctx, t, "stream")
				round--
				continue
			}
			return chat.Turn{}, err
		}

		if len(invocations) == 0 {
			return chat.AssistantTurn(text), nil
		}
		if last {
			t.log.Warn("Tool round limit reached, dropping invocations", "rounds", round, "dropped", len(invocations))
			return chat.AssistantTurn(text), nil
		}

		for i := range invocations {
			if invocations[i].ID == "" {
				invocations[i].ID = "call_" + uuid.New().String()
			}
		}
		t.exchange = append(t.exchange, chat.AssistantTurn(text, invocations...))
		for _, inv := range invocations {
			t.exchange = append(t.exchange, chat.ToolResultTurn(inv.ID, e.invoke(ctx, t, inv)))
		}
	}
}

// round runs one streaming request. sent reports whether any fragment
// reached the player.
func (e *Executor) round(ctx context.Context, t *turn, s *chat.Stream, last bool) (text string, invocations []chat.ToolInvocation, sent bool, err error) {
	conv, err := e.conversation(t)
	if err != nil {
		return "", nil, false, err
	}
	req := services.CompletionRequest{Turns: conv}
	if !last {
		req.Tools = t.ex.Tools.Definitions()
	}

	ch, err := e.llm.CompleteStream(ctx, req)
	if err != nil {
		return "", nil, false, err
	}
	// Leave nothing blocked upstream if this round returns early.
	defer func() {
		go func() {
			for range ch {
			}
		}()
	}()

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return sb.String(), nil, sent, chunk.Error
		}
		if chunk.Content != "" {
			if !s.Send(ctx, chunk.Content) {
				return sb.String(), nil, sent, ctx.Err()
			}
			sb.WriteString(chunk.Content)
			sent = true
		}
		if chunk.Done {
			return sb.String(), chunk.ToolInvocations, sent, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return sb.String(), nil, sent, err
	}
	return "", nil, sent, errors.New("stream ended without completion")
}

// invoke runs a tool and returns the content of its result turn. Handler
// errors are reported to the engine rather than failing the turn.
func (e *Executor) invoke(ctx context.Context, t *turn, inv chat.ToolInvocation) string {
	result, err := t.ex.Tools.Invoke(ctx, tools.Call{
		SessionID:  t.ex.SessionID,
		Phase:      t.ex.Phase,
		Invocation: inv,
	})
	e.metrics.ToolCalled(string(t.ex.Phase), inv.Name, err)
	if err != nil {
		t.log.Warn("Tool call failed", "tool", inv.Name, "error", err)
		return "error: " + err.Error()
	}
	t.log.Debug("Tool call succeeded", "tool", inv.Name)
	return result
}
