// Package motion drives the local avatar: click-to-move along a computed
// path, single-cell and held-key steps, and walking to and docking into
// seats. The controller is advanced by the frame loop via Tick and is not
// safe for concurrent use.
package motion

import (
	"errors"
	"math"

	"github.com/pixelplaza/plaza/internal/pathfinding"
	"github.com/pixelplaza/plaza/internal/room"
)

// DefaultSpeed is the walking speed in tiles per second.
const DefaultSpeed = 3.4

// arrivalEpsilon absorbs float drift when a dt sequence sums to the exact
// travel time of the path.
const arrivalEpsilon = 1e-9

// ErrNoFreeSeat is returned by ToggleSit when every seat in the room is
// blocked or taken by a peer.
var ErrNoFreeSeat = errors.New("motion: no free seat")

// State is the controller state.
type State int

const (
	Idle State = iota
	FollowingPath
	Docking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FollowingPath:
		return "following_path"
	case Docking:
		return "docking"
	}
	return "unknown"
}

// Avatar is the continuous position and orientation of the local avatar.
type Avatar struct {
	X, Y   float64
	Facing room.Facing
}

// Cell returns the grid cell the avatar is closest to.
func (a Avatar) Cell() pathfinding.Node {
	return pathfinding.Node{X: int(math.Round(a.X)), Y: int(math.Round(a.Y))}
}

// Path is the route being walked. Progress is a fractional index into
// Nodes: 0 is Nodes[0], 1 is Nodes[1], and so on.
type Path struct {
	Nodes    []pathfinding.Node
	Progress float64
}

// SitResult describes the outcome of ToggleSit.
type SitResult int

const (
	// Stood means the avatar was seated and stood up.
	Stood SitResult = iota
	// Walking means a path to the nearest free seat was started.
	Walking
	// Docked means the avatar already stood on the seat and sat down.
	Docked
	// NoPath means the nearest free seat is unreachable; nothing changed.
	NoPath
)

// TickResult reports what happened during one Tick.
type TickResult struct {
	Moved   bool // position changed
	Arrived bool // the path finished this tick
	Docked  bool // the avatar sat down on arrival
}

// Controller owns the local avatar and its path.
type Controller struct {
	grid  pathfinding.Grid
	seats []room.Seat
	speed float64

	avatar     Avatar
	path       *Path
	seatTarget *room.Seat
	seated     bool
	held       room.Facing
}

// NewController creates a controller with the avatar standing on spawn.
func NewController(g pathfinding.Grid, seats []room.Seat, spawn pathfinding.Node, facing room.Facing) *Controller {
	c := &Controller{speed: DefaultSpeed}
	c.Reset(g, seats, spawn, facing)
	return c
}

// SetSpeed changes the walking speed. Non-positive values are ignored.
func (c *Controller) SetSpeed(tilesPerSecond float64) {
	if tilesPerSecond > 0 {
		c.speed = tilesPerSecond
	}
}

// Speed returns the walking speed in tiles per second.
func (c *Controller) Speed() float64 { return c.speed }

// Reset installs a new room and puts the avatar on spawn, clearing any path,
// seat and held key. spawn must be a walkable cell of g.
func (c *Controller) Reset(g pathfinding.Grid, seats []room.Seat, spawn pathfinding.Node, facing room.Facing) {
	c.grid = g
	c.seats = append([]room.Seat(nil), seats...)
	c.avatar = Avatar{X: float64(spawn.X), Y: float64(spawn.Y), Facing: facing}
	c.path = nil
	c.seatTarget = nil
	c.seated = false
	c.held = ""
}

// Avatar returns a copy of the avatar.
func (c *Controller) Avatar() Avatar { return c.avatar }

// Seated reports whether the avatar is docked in a seat.
func (c *Controller) Seated() bool { return c.seated }

// Moving reports whether a path is being walked.
func (c *Controller) Moving() bool { return c.path != nil }

// State returns the current state. Docking covers both walking toward a
// pending seat and sitting in it.
func (c *Controller) State() State {
	switch {
	case c.seated, c.seatTarget != nil:
		return Docking
	case c.path != nil:
		return FollowingPath
	default:
		return Idle
	}
}

// Path returns a copy of the active path, or nil.
func (c *Controller) Path() *Path {
	if c.path == nil {
		return nil
	}
	return &Path{
		Nodes:    append([]pathfinding.Node(nil), c.path.Nodes...),
		Progress: c.path.Progress,
	}
}

// MoveTo starts walking toward goal. Any seated state is cleared first,
// even when no path results. The goal is clamped to the room interior; a
// blocked or unreachable goal leaves the avatar where it is. It reports
// whether a new path was started.
func (c *Controller) MoveTo(goal pathfinding.Node) bool {
	c.seated = false

	cols, rows := c.grid.Size()
	goal.X = clamp(goal.X, 1, cols-2)
	goal.Y = clamp(goal.Y, 1, rows-2)
	if !c.grid.Walkable(goal.X, goal.Y) {
		return false
	}

	nodes := pathfinding.FindPath(c.avatar.Cell(), goal, c.grid)
	if len(nodes) <= 1 {
		return false
	}
	c.seatTarget = nil
	c.follow(nodes)
	return true
}

// Step attempts a single-cell move in dir. It fails silently while seated,
// while a path is active, or when the target cell is blocked.
func (c *Controller) Step(dir room.Facing) bool {
	if c.seated || c.path != nil {
		return false
	}
	dx, dy := delta(dir)
	if dx == 0 && dy == 0 {
		return false
	}
	from := c.avatar.Cell()
	to := pathfinding.Node{X: from.X + dx, Y: from.Y + dy}
	if !c.grid.Walkable(to.X, to.Y) {
		return false
	}
	c.follow([]pathfinding.Node{from, to})
	return true
}

// Hold marks dir as held and steps immediately when possible. While held,
// every tick without an active path attempts another step.
func (c *Controller) Hold(dir room.Facing) {
	if !dir.Valid() {
		return
	}
	c.held = dir
	c.Step(dir)
}

// Release clears the held direction if it is dir.
func (c *Controller) Release(dir room.Facing) {
	if c.held == dir {
		c.held = ""
	}
}

// ToggleSit stands up when seated. Otherwise it picks the free seat closest
// to the avatar, skipping blocked seats and seats in occupied, and walks
// there. Ties keep the room's seat order. ErrNoFreeSeat leaves the state
// untouched.
func (c *Controller) ToggleSit(occupied []pathfinding.Node) (SitResult, error) {
	if c.seated {
		c.seated = false
		c.seatTarget = nil
		return Stood, nil
	}

	taken := make(map[pathfinding.Node]struct{}, len(occupied))
	for _, n := range occupied {
		taken[n] = struct{}{}
	}

	here := c.avatar.Cell()
	best := -1
	bestDist := 0
	for i, s := range c.seats {
		cell := pathfinding.Node{X: s.X, Y: s.Y}
		if !c.grid.Walkable(s.X, s.Y) {
			continue
		}
		if _, ok := taken[cell]; ok {
			continue
		}
		d := pathfinding.Manhattan(here, cell)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return 0, ErrNoFreeSeat
	}
	seat := c.seats[best]

	if bestDist == 0 {
		c.dock(seat)
		return Docked, nil
	}

	nodes := pathfinding.FindPath(here, pathfinding.Node{X: seat.X, Y: seat.Y}, c.grid)
	if len(nodes) <= 1 {
		return NoPath, nil
	}
	c.follow(nodes)
	c.seatTarget = &seat
	return Walking, nil
}

// Tick advances the avatar by dt seconds.
func (c *Controller) Tick(dt float64) TickResult {
	var res TickResult
	if c.path == nil {
		if c.held != "" && !c.seated && c.Step(c.held) {
			res.Moved = true
		}
		return res
	}
	if dt <= 0 {
		return res
	}

	p := c.path
	p.Progress += c.speed * dt
	last := len(p.Nodes) - 1
	res.Moved = true

	if p.Progress >= float64(last)-arrivalEpsilon {
		end := p.Nodes[last]
		prev := p.Nodes[last-1]
		c.avatar.X, c.avatar.Y = float64(end.X), float64(end.Y)
		c.avatar.Facing = room.FacingToward(float64(end.X-prev.X), float64(end.Y-prev.Y))
		c.path = nil
		res.Arrived = true

		if c.seatTarget != nil && c.seatTarget.X == end.X && c.seatTarget.Y == end.Y {
			c.dock(*c.seatTarget)
			res.Docked = true
		}
		c.seatTarget = nil

		if c.held != "" && !c.seated {
			c.Step(c.held)
		}
		return res
	}

	i := int(math.Floor(p.Progress))
	t := p.Progress - float64(i)
	a, b := p.Nodes[i], p.Nodes[i+1]
	dx, dy := float64(b.X-a.X), float64(b.Y-a.Y)
	c.avatar.X = float64(a.X) + dx*t
	c.avatar.Y = float64(a.Y) + dy*t
	c.avatar.Facing = room.FacingToward(dx, dy)
	return res
}

func (c *Controller) follow(nodes []pathfinding.Node) {
	c.path = &Path{Nodes: nodes}
	a, b := nodes[0], nodes[1]
	c.avatar.Facing = room.FacingToward(float64(b.X-a.X), float64(b.Y-a.Y))
}

func (c *Controller) dock(s room.Seat) {
	c.path = nil
	c.avatar.X, c.avatar.Y = float64(s.X), float64(s.Y)
	c.avatar.Facing = s.Facing
	c.seated = true
}

func delta(dir room.Facing) (dx, dy int) {
	switch dir {
	case room.North:
		return 0, -1
	case room.South:
		return 0, 1
	case room.East:
		return 1, 0
	case room.West:
		return -1, 0
	}
	return 0, 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
