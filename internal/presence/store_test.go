package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelplaza/plaza/internal/protocol"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func setupStore(t *testing.T) (*Store, *testClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	s := NewStore(client, 30*time.Second)
	s.now = clock.now
	return s, clock, mr
}

func TestStore_TrackAndSnapshot(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "Lobby", "a", protocol.PresenceMeta{Name: "Ada", Dance: protocol.Bool(true)}))
	require.NoError(t, s.Track(ctx, "Lobby", "b", protocol.PresenceMeta{Name: "Bob"}))
	require.NoError(t, s.Track(ctx, "Rooftop", "c", protocol.PresenceMeta{Name: "Cy"}))

	state, err := s.Snapshot(ctx, "Lobby")
	require.NoError(t, err)
	assert.Len(t, state, 2)
	assert.Equal(t, "Ada", state["a"].Name)
	require.NotNil(t, state["a"].Dance)
	assert.True(t, *state["a"].Dance)
	assert.Nil(t, state["b"].Dance)
}

func TestStore_TrackReplacesMeta(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "Lobby", "a", protocol.PresenceMeta{Name: "Ada", Sit: protocol.Bool(false)}))
	require.NoError(t, s.Track(ctx, "Lobby", "a", protocol.PresenceMeta{Name: "Ada", Sit: protocol.Bool(true)}))

	state, err := s.Snapshot(ctx, "Lobby")
	require.NoError(t, err)
	assert.Len(t, state, 1)
	assert.True(t, *state["a"].Sit)
}

func TestStore_Untrack(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "Lobby", "a", protocol.PresenceMeta{}))
	require.NoError(t, s.Untrack(ctx, "Lobby", "a"))

	state, err := s.Snapshot(ctx, "Lobby")
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestStore_StaleMembersPruned(t *testing.T) {
	s, clock, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "Lobby", "old", protocol.PresenceMeta{}))
	clock.t = clock.t.Add(20 * time.Second)
	require.NoError(t, s.Track(ctx, "Lobby", "new", protocol.PresenceMeta{}))
	clock.t = clock.t.Add(15 * time.Second)

	n, err := s.Count(ctx, "Lobby")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	state, err := s.Snapshot(ctx, "Lobby")
	require.NoError(t, err)
	assert.Contains(t, state, "new")
	assert.NotContains(t, state, "old")

	pruned, err := s.Prune(ctx, "Lobby")
	require.NoError(t, err)
	assert.Zero(t, pruned, "already pruned by snapshot")
}

func TestStore_TouchKeepsMemberAlive(t *testing.T) {
	s, clock, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "Lobby", "a", protocol.PresenceMeta{Name: "Ada"}))
	for i := 0; i < 5; i++ {
		clock.t = clock.t.Add(20 * time.Second)
		require.NoError(t, s.Touch(ctx, "Lobby", "a"))
	}

	state, err := s.Snapshot(ctx, "Lobby")
	require.NoError(t, err)
	assert.Equal(t, "Ada", state["a"].Name)
}

func TestStore_TouchDoesNotResurrect(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Touch(ctx, "Lobby", "ghost"))
	n, err := s.Count(ctx, "Lobby")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_CorruptMetaStillPresent(t *testing.T) {
	s, _, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "Lobby", "a", protocol.PresenceMeta{Name: "Ada"}))
	mr.HSet(metaKey("Lobby"), "a", "{not json")

	state, err := s.Snapshot(ctx, "Lobby")
	require.NoError(t, err)
	assert.Contains(t, state, "a")
	assert.Empty(t, state["a"].Name)
}
