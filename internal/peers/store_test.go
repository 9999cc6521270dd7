package peers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelplaza/plaza/internal/pathfinding"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/room"
)

func fixedColor() string { return "#000000" }

func newTestStore() *Store { return NewStore("me", fixedColor) }

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func TestApplyPresence_AddsWithDefaults(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})

	p, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, DefaultName, p.Name)
	assert.Equal(t, "#000000", p.Color)
	assert.Equal(t, float64(room.SpawnX), p.X)
	assert.Equal(t, float64(room.SpawnY), p.Y)
	assert.Equal(t, room.South, p.Facing)
	assert.False(t, p.Dance)
}

func TestApplyPresence_SkipsSelf(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"me": {Name: "Me"}, "a": {Name: "A"}})
	assert.Equal(t, 1, s.Count())
	_, ok := s.Get("me")
	assert.False(t, ok)
}

func TestApplyPresence_RemovesAbsent(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}, "b": {}})
	s.Smooth(0.016)
	require.True(t, s.Has("a"))

	s.ApplyPresence(protocol.PresenceState{"b": {}})
	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Smooth(0.016)
	assert.False(t, s.Has("a"), "smoothed entry dropped on the next pass")
	assert.True(t, s.Has("b"))
}

func TestApplyPresence_FallsBackToPrevious(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {Name: "Ada", Color: "#ec4899", Dance: protocol.Bool(true)}})
	s.ApplyPresence(protocol.PresenceState{"a": {Sit: protocol.Bool(true)}})

	p, _ := s.Get("a")
	assert.Equal(t, "Ada", p.Name)
	assert.Equal(t, "#ec4899", p.Color)
	assert.True(t, p.Dance, "dance kept from previous meta")
	assert.True(t, p.Sit)
}

func TestApplyPresence_KeepsPosition(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})
	s.ApplyPosition(protocol.Position{ID: "a", X: 3, Y: 9, Facing: room.West})
	s.ApplyPresence(protocol.PresenceState{"a": {Name: "Ada"}})

	p, _ := s.Get("a")
	assert.Equal(t, 3.0, p.X)
	assert.Equal(t, 9.0, p.Y)
	assert.Equal(t, room.West, p.Facing)
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

func TestApplyPosition_IgnoresSelf(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"me": {}, "a": {}})
	assert.False(t, s.ApplyPosition(protocol.Position{ID: "me", X: 2, Y: 2, Facing: room.North}))
	_, ok := s.Get("me")
	assert.False(t, ok)
}

func TestApplyPosition_UpdatesFlagsWhenPresent(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {Dance: protocol.Bool(true)}})

	require.True(t, s.ApplyPosition(protocol.Position{ID: "a", X: 4, Y: 5, Facing: room.East, Laugh: protocol.Bool(true)}))
	p, _ := s.Get("a")
	assert.Equal(t, 4.0, p.X)
	assert.True(t, p.Dance, "absent flag keeps previous value")
	assert.True(t, p.Laugh)
}

func TestApplyPosition_HeldUntilPresenceAdmits(t *testing.T) {
	s := newTestStore()
	assert.False(t, s.ApplyPosition(protocol.Position{ID: "late", Name: "Late", X: 12, Y: 3, Facing: room.North}))
	assert.Equal(t, 0, s.Count(), "no peer without presence")

	s.ApplyPresence(protocol.PresenceState{"late": {Color: "#3b82f6"}})
	p, ok := s.Get("late")
	require.True(t, ok)
	assert.Equal(t, 12.0, p.X)
	assert.Equal(t, 3.0, p.Y)
	assert.Equal(t, room.North, p.Facing)
	assert.Equal(t, "Late", p.Name)
	assert.Equal(t, "#3b82f6", p.Color)
}

func TestApplyPosition_HeldDroppedWhenAbsentFromSync(t *testing.T) {
	s := newTestStore()
	s.ApplyPosition(protocol.Position{ID: "ghost", X: 12, Y: 3})
	s.ApplyPresence(protocol.PresenceState{"a": {}})
	s.ApplyPresence(protocol.PresenceState{"a": {}, "ghost": {}})

	p, ok := s.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, float64(room.SpawnX), p.X)
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func TestApplyAction(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})

	assert.True(t, s.ApplyAction(protocol.Action{ID: "a", Type: protocol.ActionSit, Value: true}))
	assert.True(t, s.ApplyAction(protocol.Action{ID: "a", Type: protocol.ActionWave, Value: true}))
	p, _ := s.Get("a")
	assert.True(t, p.Sit)
	assert.True(t, p.Wave)

	assert.False(t, s.ApplyAction(protocol.Action{ID: "stranger", Type: protocol.ActionDance, Value: true}))
	assert.False(t, s.ApplyAction(protocol.Action{ID: "me", Type: protocol.ActionDance, Value: true}))
}

func TestApplyAction_PartyIsRoomWide(t *testing.T) {
	s := newTestStore()
	assert.True(t, s.ApplyAction(protocol.Action{ID: "anyone", Type: protocol.ActionParty, Value: true}))
	assert.True(t, s.Party())
	assert.False(t, s.ApplyAction(protocol.Action{ID: "me", Type: protocol.ActionParty, Value: true}))
	assert.True(t, s.ApplyAction(protocol.Action{ID: "me", Type: protocol.ActionParty, Value: false}))
	assert.False(t, s.Party())
}

// ---------------------------------------------------------------------------
// Smoothing
// ---------------------------------------------------------------------------

func TestSmooth_StartsAtAuthoritative(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})
	s.ApplyPosition(protocol.Position{ID: "a", X: 10, Y: 4, Facing: room.East})
	s.Smooth(0.016)

	v := s.Views()
	require.Len(t, v, 1)
	assert.Equal(t, 10.0, v[0].DrawX)
	assert.Equal(t, 4.0, v[0].DrawY)
}

func TestSmooth_ApproachesExponentially(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})
	s.ApplyPosition(protocol.Position{ID: "a", X: 0, Y: 0, Facing: room.East})
	s.Smooth(0)
	s.ApplyPosition(protocol.Position{ID: "a", X: 10, Y: 0, Facing: room.West})

	s.Smooth(0.1)
	want := 10 * (1 - math.Exp(-0.8))
	v := s.Views()[0]
	assert.InDelta(t, want, v.DrawX, 1e-9)
	assert.Equal(t, room.West, v.DrawFacing, "facing is not smoothed")
}

func TestSmooth_FrameRateIndependent(t *testing.T) {
	run := func(steps int) float64 {
		s := newTestStore()
		s.ApplyPresence(protocol.PresenceState{"a": {}})
		s.ApplyPosition(protocol.Position{ID: "a", X: 0, Y: 0})
		s.Smooth(0)
		s.ApplyPosition(protocol.Position{ID: "a", X: 10, Y: 0})
		for i := 0; i < steps; i++ {
			s.Smooth(0.5 / float64(steps))
		}
		return s.Views()[0].DrawX
	}
	assert.InDelta(t, run(10), run(60), 1e-9)
}

func TestViews_DrawOrder(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}, "b": {}, "c": {}})
	s.ApplyPosition(protocol.Position{ID: "a", X: 1, Y: 9})
	s.ApplyPosition(protocol.Position{ID: "b", X: 1, Y: 2})
	s.ApplyPosition(protocol.Position{ID: "c", X: 5, Y: 2})
	s.Smooth(0)

	var ids []string
	for _, v := range s.Views() {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestOccupied_RoundsPositions(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})
	s.ApplyPosition(protocol.Position{ID: "a", X: 3.4, Y: 5.6})
	assert.Equal(t, []pathfinding.Node{{X: 3, Y: 6}}, s.Occupied())
}

func TestClear(t *testing.T) {
	s := newTestStore()
	s.ApplyPresence(protocol.PresenceState{"a": {}})
	s.ApplyPosition(protocol.Position{ID: "b", X: 1, Y: 1})
	s.SetParty(true)
	s.Smooth(0)

	s.Clear()
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.Party())
	assert.Empty(t, s.Views())
	s.ApplyPresence(protocol.PresenceState{"b": {}})
	p, _ := s.Get("b")
	assert.Equal(t, float64(room.SpawnX), p.X, "held position was cleared")
}
