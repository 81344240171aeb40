package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/state"
	"github.com/jwebster45206/phase-engine/pkg/storage"
)

type fixture struct {
	world  *storage.MockStorage
	memory *memory.MockStore
	closed int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{world: storage.NewMockStorage(), memory: memory.NewMockStore()}

	gs := state.NewGameState("s1")
	gs.Phase = "downtime"
	gs.Handoff = "The party breaks camp."
	require.NoError(t, f.world.SaveGameState(context.Background(), "s1", gs))

	broken := &history.History{Turns: []chat.Turn{
		chat.SystemTurn("You narrate combat."),
		chat.UserTurn("I swing my sword"),
		chat.ToolResultTurn("call_orphan", "hit"),
		chat.AssistantTurn("The goblin staggers."),
	}}
	require.NoError(t, f.world.SaveHistory(context.Background(), "s1", phase.Combat, broken))
	return f
}

func (f *fixture) open(ctx context.Context) (*inspector, error) {
	return &inspector{
		world:     f.world,
		histories: history.NewStore(f.world, history.DefaultLimits(), slog.New(slog.NewTextHandler(io.Discard, nil))),
		memory:    f.memory,
		phases:    phase.DefaultConfig(),
		closers:   []func() error{func() error { f.closed++; return nil }},
	}, nil
}

func run(t *testing.T, f *fixture, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(f.open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHistoryCommand(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, f, "history", "s1", "combat", "--preview", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "  0 system    You narr...")
	assert.Contains(t, out, "<- call_orphan")
	assert.Equal(t, 1, f.closed)

	out, err = run(t, f, "history", "s1", "exploration")
	require.NoError(t, err)
	assert.Contains(t, out, "(empty)")

	_, err = run(t, f, "history", "s1", "downtime")
	assert.ErrorIs(t, err, phase.ErrUnknownPhase)
}

func TestCheckAndRepairCommands(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, f, "check", "s1", "combat")
	require.NoError(t, err)
	assert.Contains(t, out, "turns: 4/40")
	assert.Contains(t, out, "tool sequence: dangling tool result")
	assert.Contains(t, out, "compaction: not needed")

	out, err = run(t, f, "repair", "s1", "combat")
	require.NoError(t, err)
	assert.Contains(t, out, "dropped 1 dangling tool result(s)")

	out, err = run(t, f, "repair", "s1", "combat")
	require.NoError(t, err)
	assert.Contains(t, out, "already consistent")

	out, err = run(t, f, "check", "s1", "combat")
	require.NoError(t, err)
	assert.Contains(t, out, "tool sequence: ok")
}

func TestPhaseCommand(t *testing.T) {
	f := newFixture(t)

	out, err := run(t, f, "phase", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, `stored: "downtime"`)
	assert.Contains(t, out, "effective: setup (Setup)")
	assert.Contains(t, out, "will be healed")
	assert.Contains(t, out, "pending handoff: The party breaks camp.")

	_, err = run(t, f, "phase", "missing")
	assert.EqualError(t, err, "session missing not found")
}

func TestArchiveCommand(t *testing.T) {
	f := newFixture(t)
	key := memory.NewArchiveKey("s1", phase.Combat, 1, 2, 9)
	require.NoError(t, f.memory.Archive(context.Background(), key, []chat.Turn{
		chat.UserTurn("I attack the orc"),
		chat.AssistantTurn("", chat.ToolInvocation{ID: "call_1", Name: "apply_damage", Arguments: []byte(`{"target":"Orc","amount":4}`)}),
		chat.ToolResultTurn("call_1", "Orc takes 4 damage (3/7 HP)."),
	}))

	out, err := run(t, f, "archive", key.String())
	require.NoError(t, err)
	assert.Contains(t, out, `-> call_1 apply_damage({"target":"Orc","amount":4})`)
	assert.Contains(t, out, "Orc takes 4 damage")

	out, err = run(t, f, "archive", key.String(), "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"tool_call_ref": "call_1"`)

	_, err = run(t, f, "archive", "not-a-key")
	assert.ErrorIs(t, err, memory.ErrInvalidKey)

	_, err = run(t, f, "archive", memory.NewArchiveKey("s1", phase.Combat, 2, 2, 9).String())
	assert.Error(t, err)
}

func TestArgsAreValidated(t *testing.T) {
	f := newFixture(t)
	_, err := run(t, f, "history", "s1")
	assert.Error(t, err)
}
