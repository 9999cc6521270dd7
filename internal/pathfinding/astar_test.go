package pathfinding

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelplaza/plaza/internal/room"
)

// boolGrid is a test grid backed by a row-major slice.
type boolGrid struct {
	cols, rows int
	cells      []bool
}

func newOpenGrid(cols, rows int) *boolGrid {
	g := &boolGrid{cols: cols, rows: rows, cells: make([]bool, cols*rows)}
	for i := range g.cells {
		g.cells[i] = true
	}
	return g
}

func (g *boolGrid) Size() (int, int) { return g.cols, g.rows }
func (g *boolGrid) Walkable(x, y int) bool {
	if x < 0 || y < 0 || x >= g.cols || y >= g.rows {
		return false
	}
	return g.cells[y*g.cols+x]
}
func (g *boolGrid) block(x, y int) { g.cells[y*g.cols+x] = false }

// bfsDistance is the reference shortest-path length, or -1 if unreachable.
func bfsDistance(g Grid, start, goal Node) int {
	cols, rows := g.Size()
	dist := make(map[Node]int)
	dist[start] = 0
	queue := []Node{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == goal {
			return dist[cur]
		}
		for _, d := range neighbours {
			n := Node{cur.X + d.X, cur.Y + d.Y}
			if n.X < 0 || n.Y < 0 || n.X >= cols || n.Y >= rows || !g.Walkable(n.X, n.Y) {
				continue
			}
			if _, seen := dist[n]; seen {
				continue
			}
			dist[n] = dist[cur] + 1
			queue = append(queue, n)
		}
	}
	return -1
}

func assertValidPath(t *testing.T, g Grid, path []Node, start, goal Node) {
	t.Helper()
	require.NotEmpty(t, path)
	assert.Equal(t, start, path[0])
	assert.Equal(t, goal, path[len(path)-1])
	for i := 1; i < len(path); i++ {
		assert.Equal(t, 1, Manhattan(path[i-1], path[i]), "step %d not 4-adjacent: %v -> %v", i, path[i-1], path[i])
		assert.True(t, g.Walkable(path[i].X, path[i].Y), "step %d on blocked cell %v", i, path[i])
	}
}

// ---------------------------------------------------------------------------
// Fail-soft contract
// ---------------------------------------------------------------------------

func TestFindPath_InvalidGoalReturnsStart(t *testing.T) {
	g := newOpenGrid(6, 6)
	g.block(3, 3)
	start := Node{1, 1}

	tests := []struct {
		name string
		goal Node
	}{
		{"negative x", Node{-1, 2}},
		{"negative y", Node{2, -1}},
		{"past cols", Node{6, 2}},
		{"past rows", Node{2, 6}},
		{"blocked", Node{3, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, []Node{start}, FindPath(start, tt.goal, g))
		})
	}
}

func TestFindPath_StartOutOfBounds(t *testing.T) {
	g := newOpenGrid(4, 4)
	start := Node{-2, 0}
	assert.Equal(t, []Node{start}, FindPath(start, Node{1, 1}, g))
}

func TestFindPath_Unreachable(t *testing.T) {
	g := newOpenGrid(5, 5)
	// Wall off column 2 entirely.
	for y := 0; y < 5; y++ {
		g.block(2, y)
	}
	start := Node{0, 0}
	assert.Equal(t, []Node{start}, FindPath(start, Node{4, 4}, g))
}

func TestFindPath_SameCell(t *testing.T) {
	g := newOpenGrid(5, 5)
	start := Node{2, 2}
	assert.Equal(t, []Node{start}, FindPath(start, start, g))
}

// ---------------------------------------------------------------------------
// Shortest paths
// ---------------------------------------------------------------------------

func TestFindPath_StraightLine(t *testing.T) {
	g := newOpenGrid(8, 3)
	path := FindPath(Node{0, 1}, Node{7, 1}, g)
	assertValidPath(t, g, path, Node{0, 1}, Node{7, 1})
	assert.Len(t, path, 8)
}

func TestFindPath_AroundWall(t *testing.T) {
	g := newOpenGrid(5, 5)
	// Wall with a gap at the bottom.
	for y := 0; y < 4; y++ {
		g.block(2, y)
	}
	start, goal := Node{0, 0}, Node{4, 0}
	path := FindPath(start, goal, g)
	assertValidPath(t, g, path, start, goal)
	assert.Len(t, path, bfsDistance(g, start, goal)+1)
	assert.Len(t, path, 13)
}

func TestFindPath_MatchesBFSOnRandomGrids(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		g := newOpenGrid(12, 10)
		for i := range g.cells {
			if rng.Float64() < 0.28 {
				g.cells[i] = false
			}
		}
		start := Node{rng.Intn(12), rng.Intn(10)}
		goal := Node{rng.Intn(12), rng.Intn(10)}
		g.cells[start.Y*12+start.X] = true

		path := FindPath(start, goal, g)
		want := bfsDistance(g, start, goal)

		if want <= 0 {
			assert.Equal(t, []Node{start}, path, "trial %d", trial)
			continue
		}
		assertValidPath(t, g, path, start, goal)
		assert.Equal(t, want+1, len(path), "trial %d: %v -> %v", trial, start, goal)
	}
}

func TestFindPath_LobbyScenario(t *testing.T) {
	g := room.GridFor(room.Lobby)
	start, goal := Node{6, 6}, Node{10, 10}

	path := FindPath(start, goal, g)
	assertValidPath(t, g, path, start, goal)
	assert.Len(t, path, 9)
}
