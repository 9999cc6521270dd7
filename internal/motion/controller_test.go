package motion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelplaza/plaza/internal/pathfinding"
	"github.com/pixelplaza/plaza/internal/room"
)

// testGrid is an open cols x rows room with blocked borders.
type testGrid struct {
	cols, rows int
	blocked    map[pathfinding.Node]bool
}

func newTestGrid(cols, rows int) *testGrid {
	return &testGrid{cols: cols, rows: rows, blocked: make(map[pathfinding.Node]bool)}
}

func (g *testGrid) Size() (int, int) { return g.cols, g.rows }
func (g *testGrid) Walkable(x, y int) bool {
	if x <= 0 || y <= 0 || x >= g.cols-1 || y >= g.rows-1 {
		return false
	}
	return !g.blocked[pathfinding.Node{X: x, Y: y}]
}

func node(x, y int) pathfinding.Node { return pathfinding.Node{X: x, Y: y} }

// runFor ticks the controller n times with equal dt summing to total.
func runFor(c *Controller, total float64, n int) TickResult {
	var last TickResult
	dt := total / float64(n)
	for i := 0; i < n; i++ {
		r := c.Tick(dt)
		if r.Arrived {
			last = r
		}
	}
	return last
}

// ---------------------------------------------------------------------------
// Path following
// ---------------------------------------------------------------------------

func TestController_ThreeNodePathArrivesExactly(t *testing.T) {
	g := newTestGrid(8, 5)
	c := NewController(g, nil, node(1, 2), room.South)

	require.True(t, c.MoveTo(node(3, 2)))
	require.Equal(t, FollowingPath, c.State())
	require.Len(t, c.Path().Nodes, 3)

	res := runFor(c, 2/c.Speed(), 7)

	a := c.Avatar()
	assert.True(t, res.Arrived)
	assert.Equal(t, 3.0, a.X)
	assert.Equal(t, 2.0, a.Y)
	assert.Equal(t, room.East, a.Facing)
	assert.Equal(t, Idle, c.State())
	assert.Nil(t, c.Path())
}

func TestController_InterpolatesMidSegment(t *testing.T) {
	g := newTestGrid(8, 8)
	c := NewController(g, nil, node(2, 2), room.South)

	require.True(t, c.MoveTo(node(2, 5)))
	c.Tick(0.5 / c.Speed())

	a := c.Avatar()
	assert.InDelta(t, 2.0, a.X, 1e-9)
	assert.InDelta(t, 2.5, a.Y, 1e-9)
	assert.Equal(t, room.South, a.Facing)
}

func TestController_FacingFollowsSegment(t *testing.T) {
	g := newTestGrid(8, 8)
	// Force an L-shaped path: block the direct corridor.
	for y := 2; y <= 6; y++ {
		g.blocked[node(3, y)] = true
	}
	c := NewController(g, nil, node(2, 5), room.South)
	require.True(t, c.MoveTo(node(4, 5)))

	seen := map[room.Facing]bool{}
	for i := 0; i < 400 && c.Moving(); i++ {
		c.Tick(0.01)
		seen[c.Avatar().Facing] = true
	}
	assert.False(t, c.Moving())
	assert.True(t, seen[room.North])
	assert.True(t, seen[room.East])
	assert.True(t, seen[room.South])
	assert.Equal(t, room.South, c.Avatar().Facing)
}

func TestController_MoveToBlockedGoalIsNoop(t *testing.T) {
	g := newTestGrid(8, 8)
	g.blocked[node(4, 4)] = true
	c := NewController(g, nil, node(2, 2), room.South)

	assert.False(t, c.MoveTo(node(4, 4)))
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, node(2, 2), c.Avatar().Cell())
}

func TestController_MoveToCurrentCellIsNoop(t *testing.T) {
	g := newTestGrid(8, 8)
	c := NewController(g, nil, node(2, 2), room.South)
	assert.False(t, c.MoveTo(node(2, 2)))
	assert.Equal(t, Idle, c.State())
}

func TestController_MoveToClampsIntoInterior(t *testing.T) {
	g := newTestGrid(8, 8)
	c := NewController(g, nil, node(2, 2), room.South)

	require.True(t, c.MoveTo(node(50, -3)))
	nodes := c.Path().Nodes
	assert.Equal(t, node(6, 1), nodes[len(nodes)-1])
}

func TestController_NewMoveReplacesPath(t *testing.T) {
	g := newTestGrid(10, 10)
	c := NewController(g, nil, node(1, 1), room.South)

	require.True(t, c.MoveTo(node(8, 1)))
	c.Tick(0.1)
	require.True(t, c.MoveTo(node(1, 8)))
	nodes := c.Path().Nodes
	assert.Equal(t, node(1, 8), nodes[len(nodes)-1])
	assert.Zero(t, c.Path().Progress)
}

// ---------------------------------------------------------------------------
// Steps and held keys
// ---------------------------------------------------------------------------

func TestController_StepIntoWallIsDropped(t *testing.T) {
	g := newTestGrid(5, 5)
	c := NewController(g, nil, node(1, 1), room.South)

	assert.False(t, c.Step(room.North))
	assert.False(t, c.Step(room.West))
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, node(1, 1), c.Avatar().Cell())
}

func TestController_StepWhilePathActiveIsDropped(t *testing.T) {
	g := newTestGrid(8, 8)
	c := NewController(g, nil, node(1, 1), room.South)
	require.True(t, c.MoveTo(node(5, 1)))
	assert.False(t, c.Step(room.South))
}

func TestController_HeldKeyKeepsWalking(t *testing.T) {
	g := newTestGrid(10, 4)
	c := NewController(g, nil, node(1, 1), room.South)

	c.Hold(room.East)
	require.True(t, c.Moving())

	// Three tiles worth of time, in small ticks.
	for i := 0; i < 300; i++ {
		c.Tick(3 / c.Speed() / 300)
	}
	assert.Greater(t, c.Avatar().X, 2.5)

	c.Release(room.East)
	for i := 0; i < 100; i++ {
		c.Tick(0.02)
	}
	stopped := c.Avatar()
	for i := 0; i < 50; i++ {
		c.Tick(0.02)
	}
	assert.Equal(t, stopped, c.Avatar())
	assert.Equal(t, Idle, c.State())
}

func TestController_HeldKeyStopsAtWall(t *testing.T) {
	g := newTestGrid(5, 4)
	c := NewController(g, nil, node(1, 1), room.South)

	c.Hold(room.East)
	for i := 0; i < 500; i++ {
		c.Tick(0.02)
	}
	assert.Equal(t, node(3, 1), c.Avatar().Cell())
	assert.Equal(t, 3.0, c.Avatar().X)
}

func TestController_ReleaseOtherKeyKeepsHeld(t *testing.T) {
	g := newTestGrid(10, 4)
	c := NewController(g, nil, node(1, 1), room.South)
	c.Hold(room.East)
	c.Release(room.West)
	for i := 0; i < 100; i++ {
		c.Tick(0.02)
	}
	assert.Greater(t, c.Avatar().X, 2.0)
}

// ---------------------------------------------------------------------------
// Seats
// ---------------------------------------------------------------------------

func TestController_WalkToSeatAndDock(t *testing.T) {
	g := newTestGrid(10, 10)
	seats := []room.Seat{{X: 5, Y: 2, Facing: room.West}}
	c := NewController(g, seats, node(2, 2), room.South)

	res, err := c.ToggleSit(nil)
	require.NoError(t, err)
	require.Equal(t, Walking, res)
	assert.Equal(t, Docking, c.State(), "walking to a seat is docking")
	assert.True(t, c.Moving())
	assert.False(t, c.Seated())

	final := runFor(c, 3/c.Speed(), 30)
	assert.True(t, final.Docked)
	assert.True(t, c.Seated())
	assert.Equal(t, Docking, c.State())
	assert.Equal(t, room.West, c.Avatar().Facing)
	assert.Equal(t, node(5, 2), c.Avatar().Cell())
}

func TestController_ToggleWhileSeatedStandsWithoutPath(t *testing.T) {
	g := newTestGrid(10, 10)
	seats := []room.Seat{{X: 2, Y: 2, Facing: room.North}}
	c := NewController(g, seats, node(2, 2), room.South)

	res, err := c.ToggleSit(nil)
	require.NoError(t, err)
	require.Equal(t, Docked, res)
	require.True(t, c.Seated())
	assert.Equal(t, room.North, c.Avatar().Facing)

	res, err = c.ToggleSit(nil)
	require.NoError(t, err)
	assert.Equal(t, Stood, res)
	assert.False(t, c.Seated())
	assert.Nil(t, c.Path())
	assert.Equal(t, Idle, c.State())
}

func TestController_PicksNearestFreeSeat(t *testing.T) {
	g := newTestGrid(12, 12)
	seats := []room.Seat{
		{X: 9, Y: 9, Facing: room.North},
		{X: 3, Y: 2, Facing: room.North}, // nearest but taken
		{X: 2, Y: 5, Facing: room.East},  // distance 3
		{X: 5, Y: 2, Facing: room.East},  // distance 3, later in list
	}
	c := NewController(g, seats, node(2, 2), room.South)

	res, err := c.ToggleSit([]pathfinding.Node{node(3, 2)})
	require.NoError(t, err)
	require.Equal(t, Walking, res)
	nodes := c.Path().Nodes
	assert.Equal(t, node(2, 5), nodes[len(nodes)-1])
}

func TestController_SkipsBlockedSeats(t *testing.T) {
	g := newTestGrid(10, 10)
	g.blocked[node(3, 3)] = true
	seats := []room.Seat{{X: 3, Y: 3, Facing: room.North}}
	c := NewController(g, seats, node(2, 2), room.South)

	_, err := c.ToggleSit(nil)
	assert.ErrorIs(t, err, ErrNoFreeSeat)
	assert.Equal(t, Idle, c.State())
}

func TestController_NoFreeSeatLeavesStateUntouched(t *testing.T) {
	g := newTestGrid(10, 10)
	seats := []room.Seat{{X: 5, Y: 5, Facing: room.North}}
	c := NewController(g, seats, node(2, 2), room.South)
	before := c.Avatar()

	_, err := c.ToggleSit([]pathfinding.Node{node(5, 5)})
	assert.ErrorIs(t, err, ErrNoFreeSeat)
	assert.Equal(t, before, c.Avatar())
	assert.False(t, c.Moving())
	assert.False(t, c.Seated())
}

func TestController_MoveClearsSeated(t *testing.T) {
	g := newTestGrid(10, 10)
	seats := []room.Seat{{X: 2, Y: 2, Facing: room.North}}
	c := NewController(g, seats, node(2, 2), room.South)
	_, err := c.ToggleSit(nil)
	require.NoError(t, err)
	require.True(t, c.Seated())

	require.True(t, c.MoveTo(node(6, 6)))
	assert.False(t, c.Seated())
	assert.Equal(t, FollowingPath, c.State())
}

func TestController_MoveAwayCancelsSeatTarget(t *testing.T) {
	g := newTestGrid(10, 10)
	seats := []room.Seat{{X: 6, Y: 2, Facing: room.North}}
	c := NewController(g, seats, node(2, 2), room.South)
	_, err := c.ToggleSit(nil)
	require.NoError(t, err)

	// Re-route onto the seat cell by click: arriving there must not dock.
	require.True(t, c.MoveTo(node(6, 2)))
	assert.Equal(t, FollowingPath, c.State())
	for i := 0; i < 200 && c.Moving(); i++ {
		c.Tick(0.02)
	}
	assert.False(t, c.Seated())
	assert.Equal(t, Idle, c.State())
}

func TestController_StepWhileSeatedIsDropped(t *testing.T) {
	g := newTestGrid(10, 10)
	seats := []room.Seat{{X: 2, Y: 2, Facing: room.North}}
	c := NewController(g, seats, node(2, 2), room.South)
	_, err := c.ToggleSit(nil)
	require.NoError(t, err)

	assert.False(t, c.Step(room.East))
	c.Hold(room.East)
	c.Tick(0.5)
	assert.True(t, c.Seated())
	assert.Equal(t, node(2, 2), c.Avatar().Cell())
}

// ---------------------------------------------------------------------------
// Lobby scenario
// ---------------------------------------------------------------------------

func TestController_LobbyClickToMove(t *testing.T) {
	layout := room.LayoutFor(room.Lobby)
	g := room.NewGrid(layout)
	c := NewController(g, layout.Seats, node(room.SpawnX, room.SpawnY), room.SpawnFacing)

	require.True(t, c.MoveTo(node(10, 10)))
	n := len(c.Path().Nodes)
	require.Equal(t, 9, n)

	res := runFor(c, float64(n-1)/c.Speed(), 60)
	assert.True(t, res.Arrived)
	assert.Equal(t, 10.0, c.Avatar().X)
	assert.Equal(t, 10.0, c.Avatar().Y)
	assert.Equal(t, room.East, c.Avatar().Facing)
	assert.Equal(t, Idle, c.State())
}

func TestController_ResetClearsEverything(t *testing.T) {
	g := newTestGrid(10, 10)
	c := NewController(g, nil, node(2, 2), room.South)
	c.Hold(room.East)
	require.True(t, c.Moving())

	c.Reset(g, nil, node(5, 5), room.North)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, Avatar{X: 5, Y: 5, Facing: room.North}, c.Avatar())
	c.Tick(0.5)
	assert.Equal(t, node(5, 5), c.Avatar().Cell())
}
