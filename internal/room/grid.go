package room

// Grid is the walkability map of a room. It is immutable once built.
type Grid struct {
	cols, rows int
	walkable   []bool
}

// NewGrid builds the walkability map for a layout: borders and furniture
// rects are blocked, as is every music box cell. Seats are the walkable
// docking cells in front of their bench.
func NewGrid(l Layout) *Grid {
	g := &Grid{
		cols:     l.Cols,
		rows:     l.Rows,
		walkable: make([]bool, l.Cols*l.Rows),
	}
	for i := range g.walkable {
		g.walkable[i] = true
	}

	for x := 0; x < g.cols; x++ {
		g.block(x, 0)
		g.block(x, g.rows-1)
	}
	for y := 0; y < g.rows; y++ {
		g.block(0, y)
		g.block(g.cols-1, y)
	}

	for _, r := range l.Blocks {
		w, h := r.W, r.H
		if w <= 0 {
			w = 1
		}
		if h <= 0 {
			h = 1
		}
		for y := r.Y; y < r.Y+h; y++ {
			for x := r.X; x < r.X+w; x++ {
				g.block(x, y)
			}
		}
	}
	for _, m := range l.Music {
		g.block(m.X, m.Y)
	}
	return g
}

// GridFor builds the grid of a room preset.
func GridFor(n Name) *Grid {
	return NewGrid(LayoutFor(n))
}

func (g *Grid) block(x, y int) {
	if g.InBounds(x, y) {
		g.walkable[y*g.cols+x] = false
	}
}

// Size returns the grid dimensions.
func (g *Grid) Size() (cols, rows int) {
	return g.cols, g.rows
}

// InBounds reports whether (x, y) lies inside the grid.
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.cols && y < g.rows
}

// Walkable reports whether an avatar may stand on (x, y). Out-of-bounds
// cells are never walkable.
func (g *Grid) Walkable(x, y int) bool {
	if !g.InBounds(x, y) {
		return false
	}
	return g.walkable[y*g.cols+x]
}

// NearestWalkable returns the walkable cell closest to (x, y) in steps,
// searching breadth-first through all cells. ok is false when the grid has
// no walkable cell at all.
func (g *Grid) NearestWalkable(x, y int) (nx, ny int, ok bool) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= g.cols {
		x = g.cols - 1
	}
	if y >= g.rows {
		y = g.rows - 1
	}
	if g.Walkable(x, y) {
		return x, y, true
	}

	type cell struct{ x, y int }
	visited := make([]bool, len(g.walkable))
	queue := []cell{{x, y}}
	visited[y*g.cols+x] = true
	dirs := [4]cell{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range dirs {
			cx, cy := cur.x+d.x, cur.y+d.y
			if !g.InBounds(cx, cy) || visited[cy*g.cols+cx] {
				continue
			}
			if g.walkable[cy*g.cols+cx] {
				return cx, cy, true
			}
			visited[cy*g.cols+cx] = true
			queue = append(queue, cell{cx, cy})
		}
	}
	return 0, 0, false
}
