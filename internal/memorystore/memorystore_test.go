package memorystore

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client, time.Hour, testLogger()), mr
}

func newTestBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// exercise runs the same behaviour checks against every backend.
func exercise(t *testing.T, store memory.Store) {
	ctx := context.Background()

	facts := []memory.Fact{
		{Key: "Gibbs", Text: "First mate of the Black Pearl", SessionID: "s1", Source: "tool"},
		{Key: "Black Pearl", Text: "A ship with black sails", SessionID: "s1"},
		{Key: "Black Pearl", Text: "someone else's ship", SessionID: "s2"},
	}
	for _, f := range facts {
		require.NoError(t, store.Remember(ctx, f))
	}
	assert.Error(t, store.Remember(ctx, memory.Fact{Key: "x", SessionID: "s1"}))

	got, err := store.Search(ctx, "black pearl", memory.Filter{SessionID: "s1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Black Pearl", got[0].Key)
	assert.Equal(t, "A ship with black sails", got[0].Text)

	// a second remember with the same key replaces the fact
	require.NoError(t, store.Remember(ctx, memory.Fact{Key: "Black Pearl", Text: "Sunk in the bay", SessionID: "s1"}))
	got, err = store.Search(ctx, "black pearl", memory.Filter{SessionID: "s1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Sunk in the bay", got[0].Text)

	_, err = store.Search(ctx, "anything", memory.Filter{})
	assert.Error(t, err)

	key := memory.NewArchiveKey("s1", phase.Exploration, 1, 2, 4)
	turns := []chat.Turn{
		chat.UserTurn("open the door"),
		chat.AssistantTurn("", chat.ToolInvocation{ID: "c1", Name: "record_event", Arguments: []byte(`{"event":"door opened"}`)}),
		chat.ToolResultTurn("c1", "recorded"),
	}
	require.NoError(t, store.Archive(ctx, key, turns))
	back, err := store.Retrieve(ctx, key)
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, "c1", back[2].ToolCallRef)
	assert.Equal(t, "record_event", back[1].ToolInvocations[0].Name)

	missing, err := store.Retrieve(ctx, memory.NewArchiveKey("s1", phase.Exploration, 9, 2, 4))
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, store.Archive(ctx, "bad-key", turns), memory.ErrInvalidKey)
}

func TestRedis(t *testing.T) {
	store, mr := newTestRedis(t)
	exercise(t, store)

	assert.True(t, mr.Exists("memory:facts:s1"))
	assert.True(t, mr.Exists("memory:archive:s1:exploration:g1:2-4"))
	assert.Equal(t, time.Hour, mr.TTL("memory:facts:s1"))
}

func TestBadger(t *testing.T) {
	exercise(t, newTestBadger(t))
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestOpenBadger_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(BadgerConfig{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, b.Remember(ctx, memory.Fact{Key: "Tortuga", Text: "A pirate port", SessionID: "s1"}))
	require.NoError(t, b.Close())

	b, err = OpenBadger(BadgerConfig{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Search(ctx, "tortuga", memory.Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A pirate port", got[0].Text)
}
