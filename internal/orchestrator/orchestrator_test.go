package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/phase-engine/internal/assembler"
	"github.com/jwebster45206/phase-engine/internal/compactor"
	"github.com/jwebster45206/phase-engine/internal/executor"
	"github.com/jwebster45206/phase-engine/internal/services"
	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/gametools"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/scene"
	"github.com/jwebster45206/phase-engine/pkg/state"
	"github.com/jwebster45206/phase-engine/pkg/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor replies with the phase name and applies a scripted phase
// change for each phase it runs.
type fakeExecutor struct {
	world storage.Storage
	next  map[phase.Phase]string // phase written to the session after a turn in key
	// handoff is written alongside a scripted phase change.
	handoff map[phase.Phase]string
	once    bool // each scripted change applies only once
	mu      sync.Mutex
	calls []executor.Exchange
	block chan struct{} // when set, each turn waits on it
	err   error
	fail  bool

	active  int32
	overlap int32
}

func (f *fakeExecutor) Execute(ctx context.Context, ex executor.Exchange) *chat.Stream {
	f.mu.Lock()
	f.calls = append(f.calls, ex)
	f.mu.Unlock()

	s := chat.NewStream()
	go func() {
		if atomic.AddInt32(&f.active, 1) > 1 {
			atomic.StoreInt32(&f.overlap, 1)
		}
		defer atomic.AddInt32(&f.active, -1)
		if f.block != nil {
			<-f.block
		}
		if f.err != nil {
			s.Close("", f.err)
			return
		}
		if f.fail {
			s.MarkDegraded()
			s.Send(ctx, executor.Apology)
			s.Close(executor.Apology, nil)
			return
		}
		f.mu.Lock()
		next, ok := f.next[ex.Phase]
		if ok && f.once {
			delete(f.next, ex.Phase)
		}
		handoff := f.handoff[ex.Phase]
		f.mu.Unlock()
		if ok {
			gs, _ := f.world.LoadGameState(ctx, ex.SessionID)
			gs.Phase = next
			gs.Handoff = handoff
			_ = f.world.SaveGameState(ctx, ex.SessionID, gs)
		}
		text := string(ex.Phase) + " reply"
		s.Send(ctx, text)
		s.Close(text, nil)
	}()
	return s
}

func (f *fakeExecutor) exchanges() []executor.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]executor.Exchange(nil), f.calls...)
}

type nopContext struct{}

func (nopContext) BuildContext(ctx context.Context, sessionID string, p phase.Phase, recent []chat.Turn, input string) scene.ContextPackage {
	return scene.Empty()
}

type countingCompactor struct {
	calls int32
}

func (c *countingCompactor) MaybeCompact(ctx context.Context, sessionID string, p phase.Phase) (*compactor.Record, error) {
	atomic.AddInt32(&c.calls, 1)
	return nil, nil
}

func newFake(t *testing.T, cfg phase.Config, storedPhase string) (*Orchestrator, *fakeExecutor, *storage.MockStorage, *countingCompactor) {
	t.Helper()
	world := storage.NewMockStorage()
	gs := state.NewGameState("s1")
	gs.Phase = storedPhase
	require.NoError(t, world.SaveGameState(context.Background(), "s1", gs))

	exec := &fakeExecutor{world: world, next: map[phase.Phase]string{}, handoff: map[phase.Phase]string{}}
	comp := &countingCompactor{}
	o, err := New(Deps{
		World:     world,
		Histories: history.NewStore(world, history.DefaultLimits(), discard()),
		Context:   nopContext{},
		Executor:  exec,
		Compactor: comp,
		Logger:    discard(),
	}, Config{Phases: cfg})
	require.NoError(t, err)
	return o, exec, world, comp
}

func run(t *testing.T, o *Orchestrator, input string) ([]string, string, *chat.Stream, error) {
	t.Helper()
	s, err := o.RunTurn(context.Background(), "s1", input)
	require.NoError(t, err)
	fragments, text, err := chat.Collect(s)
	return fragments, text, s, err
}

func TestRunTurn_NoTransition(t *testing.T) {
	o, exec, _, comp := newFake(t, phase.DefaultConfig(), "exploration")

	fragments, text, _, err := run(t, o, "Look around")
	require.NoError(t, err)
	assert.Equal(t, []string{"exploration reply"}, fragments)
	assert.Equal(t, "exploration reply", text)
	require.Len(t, exec.exchanges(), 1)
	assert.Equal(t, "Look around", exec.exchanges()[0].Input)
	assert.Equal(t, int32(2), comp.calls, "compaction is checked before and after the turn")
}

func TestRunTurn_TransitionUsesFallbackHandoff(t *testing.T) {
	o, exec, world, _ := newFake(t, phase.DefaultConfig(), "exploration")
	exec.next[phase.Exploration] = "combat"

	fragments, _, _, err := run(t, o, "Draw steel")
	require.NoError(t, err)
	assert.Equal(t, []string{"exploration reply", "\n\n*** Combat ***\n\n", "combat reply"}, fragments)

	calls := exec.exchanges()
	require.Len(t, calls, 2)
	assert.Equal(t, phase.Combat, calls[1].Phase)
	assert.Equal(t, "The story moves from Exploration to Combat.", calls[1].Input)

	p, err := o.CurrentPhase(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, phase.Combat, p)

	gs, err := world.LoadGameState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, gs.Handoff)
}

func TestRunTurn_ReturnTripKeepsMarkerAndHandoff(t *testing.T) {
	o, exec, world, _ := newFake(t, phase.DefaultConfig(), "exploration")
	exec.once = true
	exec.next[phase.Exploration] = "combat"
	exec.next[phase.Combat] = "exploration"
	exec.handoff[phase.Combat] = "The goblin flees into the reeds."

	fragments, _, _, err := run(t, o, "Draw steel")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"exploration reply",
		"\n\n*** Combat ***\n\n",
		"combat reply",
		"\n\n*** Exploration ***\n\n",
		"exploration reply",
	}, fragments)

	calls := exec.exchanges()
	require.Len(t, calls, 3)
	assert.Equal(t, phase.Exploration, calls[2].Phase)
	assert.Equal(t, "The goblin flees into the reeds.", calls[2].Input)

	gs, err := world.LoadGameState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "exploration", gs.Phase)
	assert.Empty(t, gs.Handoff)
}

func TestRunTurn_PhaseChangeLimitTerminates(t *testing.T) {
	o, exec, world, _ := newFake(t, phase.DefaultConfig(), "exploration")
	exec.next[phase.Exploration] = "combat"
	exec.next[phase.Combat] = "exploration"
	exec.handoff[phase.Combat] = "The goblins scatter."

	done := make(chan []string)
	go func() {
		s, err := o.RunTurn(context.Background(), "s1", "go")
		if err != nil {
			t.Errorf("RunTurn() error = %v", err)
			close(done)
			return
		}
		fragments, _, _ := chat.Collect(s)
		done <- fragments
	}()

	var fragments []string
	select {
	case fragments = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not terminate")
	}

	limit := len(phase.DefaultConfig().Order)
	assert.Len(t, exec.exchanges(), limit+1)
	require.NotEmpty(t, fragments)
	assert.Equal(t, "\n\n*** Exploration ***\n\n", fragments[len(fragments)-1], "the last change is still announced")

	gs, err := world.LoadGameState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "exploration", gs.Phase)
	assert.Equal(t, "The goblins scatter.", gs.Handoff, "an unfollowed hand-off stays on the session")
}

func TestRunTurn_HealsUnknownPhase(t *testing.T) {
	o, exec, world, _ := newFake(t, phase.DefaultConfig(), "downtime")

	_, _, _, err := run(t, o, "hello")
	require.NoError(t, err)
	assert.Equal(t, phase.Setup, exec.exchanges()[0].Phase)

	gs, err := world.LoadGameState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "setup", gs.Phase)
}

func TestRunTurn_UnconfiguredPhaseUsesDefault(t *testing.T) {
	cfg := phase.Config{Order: []phase.Phase{phase.Exploration, phase.Combat}, Default: phase.Exploration}
	o, exec, _, _ := newFake(t, cfg, "advancement")

	p, err := o.CurrentPhase(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, phase.Exploration, p)

	_, _, _, err = run(t, o, "hello")
	require.NoError(t, err)
	assert.Equal(t, phase.Exploration, exec.exchanges()[0].Phase)
}

func TestRunTurn_ErrorsAndDegradation(t *testing.T) {
	t.Run("invariant error surfaces", func(t *testing.T) {
		o, exec, _, _ := newFake(t, phase.DefaultConfig(), "exploration")
		exec.err = history.ErrSystemTurnOrder
		_, _, _, err := run(t, o, "hello")
		assert.ErrorIs(t, err, history.ErrInvariant)
	})
	t.Run("degraded turn stops", func(t *testing.T) {
		o, exec, _, _ := newFake(t, phase.DefaultConfig(), "exploration")
		exec.fail = true
		fragments, _, s, err := run(t, o, "hello")
		require.NoError(t, err)
		assert.Equal(t, []string{executor.Apology}, fragments)
		assert.True(t, s.Degraded())
	})
}

func TestRunTurn_UnknownSession(t *testing.T) {
	o, _, _, _ := newFake(t, phase.DefaultConfig(), "exploration")
	_, err := o.RunTurn(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = o.CurrentPhase(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = o.RunTurn(context.Background(), "s1", "   ")
	assert.Error(t, err)
}

func TestRunTurn_SerialisesSession(t *testing.T) {
	o, exec, _, _ := newFake(t, phase.DefaultConfig(), "exploration")
	exec.block = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := o.RunTurn(context.Background(), "s1", "hello")
			if err != nil {
				t.Errorf("RunTurn() error = %v", err)
				return
			}
			_, _, _ = chat.Collect(s)
		}()
	}
	for i := 0; i < 3; i++ {
		exec.block <- struct{}{}
	}
	wg.Wait()
	assert.Zero(t, exec.overlap)
	assert.Len(t, exec.exchanges(), 3)
}

func TestCreateSession(t *testing.T) {
	cfg := phase.Config{Order: []phase.Phase{phase.WorldGeneration, phase.Exploration}, Default: phase.Exploration}
	o, _, world, _ := newFake(t, cfg, "exploration")

	gs, err := o.CreateSession(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, gs.ID)

	stored, err := world.LoadGameState(context.Background(), gs.ID)
	require.NoError(t, err)
	assert.Equal(t, "world_generation", stored.Phase)
}

// TestRunTurn_ToolDrivenTransition runs the real pipeline: a change_phase
// tool call in exploration hands off to an empty combat history.
type pipeline struct {
	o         *Orchestrator
	llm       *services.MockLLM
	world     *storage.MockStorage
	histories *history.Store
}

// newPipeline wires the real assembler, executor, compactor and tools
// around a mock engine, with session s1 stored in exploration.
func newPipeline(t *testing.T, timeout time.Duration) *pipeline {
	t.Helper()
	ctx := context.Background()
	logger := discard()
	cfg := phase.DefaultConfig()

	world := storage.NewMockStorage()
	gs := state.NewGameState("s1")
	gs.Phase = "exploration"
	require.NoError(t, world.SaveGameState(ctx, "s1", gs))

	mem := memory.NewMockStore()
	histories := history.NewStore(world, history.DefaultLimits(), logger)
	llm := services.NewMockLLM()

	regs, err := gametools.New(world, mem, cfg, logger).Registries()
	require.NoError(t, err)
	setups := make(map[phase.Phase]PhaseSetup, len(regs))
	for p, r := range regs {
		setups[p] = PhaseSetup{Tools: r}
	}

	o, err := New(Deps{
		World:     world,
		Histories: histories,
		Context:   assembler.New(world, mem, cfg, regs, assembler.DefaultOptions(), logger),
		Executor:  executor.New(llm, histories, nil, executor.Config{}, nil, logger),
		Compactor: compactor.New(llm, histories, mem, nil, logger),
		Setups:    setups,
		Logger:    logger,
	}, Config{Phases: cfg, TurnTimeout: timeout})
	require.NoError(t, err)
	return &pipeline{o: o, llm: llm, world: world, histories: histories}
}

func TestRunTurn_ToolDrivenTransition(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, 0)
	o, llm, world, histories := p.o, p.llm, p.world, p.histories

	args, err := json.Marshal(map[string]string{"phase": "combat", "summary": "Goblins leap from the reeds."})
	require.NoError(t, err)
	llm.QueueReply(
		services.MockReply{
			Fragments:       []string{"You hear drums. "},
			ToolInvocations: []chat.ToolInvocation{{ID: "call_1", Name: "change_phase", Arguments: args}},
		},
		services.MockReply{Fragments: []string{"Steel rings out."}},
		services.MockReply{Fragments: []string{"Roll initiative!"}},
	)

	s, err := o.RunTurn(ctx, "s1", "I walk toward the river")
	require.NoError(t, err)
	fragments, text, err := chat.Collect(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"You hear drums. ", "Steel rings out.", "\n\n*** Combat ***\n\n", "Roll initiative!"}, fragments)
	assert.Equal(t, "You hear drums. Steel rings out.\n\n*** Combat ***\n\nRoll initiative!", text)

	explore, err := histories.Snapshot(ctx, "s1", phase.Exploration)
	require.NoError(t, err)
	assert.Equal(t, 5, explore.Len())
	assert.NoError(t, history.ValidateToolSequence(explore.Turns))

	combat, err := histories.Snapshot(ctx, "s1", phase.Combat)
	require.NoError(t, err)
	require.Equal(t, 3, combat.Len())
	assert.Equal(t, chat.RoleSystem, combat.Turns[0].Role)
	assert.Equal(t, chat.UserTurn("Goblins leap from the reeds."), combat.Turns[1])
	assert.Equal(t, "Roll initiative!", combat.Turns[2].Content)

	stored, err := world.LoadGameState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "combat", stored.Phase)
	assert.Empty(t, stored.Handoff)
	assert.Empty(t, llm.CompleteCalls())
}

func TestRunTurn_TimeoutDegrades(t *testing.T) {
	p := newPipeline(t, 100*time.Millisecond)
	p.llm.QueueReply(services.MockReply{Fragments: []string{"The fog thickens"}, Hang: true})

	s, err := p.o.RunTurn(context.Background(), "s1", "Wait")
	require.NoError(t, err)
	fragments, text, err := chat.Collect(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"The fog thickens", executor.Apology}, fragments)
	assert.Equal(t, "The fog thickens"+executor.Apology, text)
	assert.True(t, s.Degraded())

	h, err := p.histories.Snapshot(context.Background(), "s1", phase.Exploration)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Len(), "degraded turns are not appended")
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Deps{}, Config{Phases: phase.DefaultConfig()})
	assert.Error(t, err)

	_, err = New(Deps{}, Config{Phases: phase.Config{}})
	assert.Error(t, err)
}

