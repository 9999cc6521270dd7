// Package pathfinding computes shortest 4-connected paths on a tile grid.
package pathfinding

import "container/heap"

// Node is an integer cell coordinate.
type Node struct {
	X, Y int
}

// Grid is the read-only view of a room the pathfinder searches.
type Grid interface {
	Size() (cols, rows int)
	Walkable(x, y int) bool
}

var neighbours = [4]Node{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

type item struct {
	node  Node
	g, f  int
	index int
}

type openSet []*item

func (q openSet) Len() int           { return len(q) }
func (q openSet) Less(i, j int) bool { return q[i].f < q[j].f }
func (q openSet) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *openSet) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *openSet) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

// FindPath returns the cells from start to goal inclusive, moving only
// between 4-adjacent walkable cells. It never fails: when start or goal is
// out of bounds, goal is blocked, or goal is unreachable, the result is
// []Node{start}. Callers treat len(path) <= 1 as "no move".
//
// The start cell itself is not required to be walkable.
func FindPath(start, goal Node, g Grid) []Node {
	cols, rows := g.Size()
	if !inBounds(start, cols, rows) || !inBounds(goal, cols, rows) || !g.Walkable(goal.X, goal.Y) {
		return []Node{start}
	}
	if start == goal {
		return []Node{start}
	}

	idx := func(n Node) int { return n.Y*cols + n.X }

	gScore := make([]int, cols*rows)
	for i := range gScore {
		gScore[i] = -1
	}
	cameFrom := make([]int, cols*rows)
	closed := make([]bool, cols*rows)
	open := make(map[int]*item)

	q := &openSet{}
	heap.Init(q)
	first := &item{node: start, g: 0, f: Manhattan(start, goal)}
	heap.Push(q, first)
	open[idx(start)] = first
	gScore[idx(start)] = 0
	cameFrom[idx(start)] = -1

	for q.Len() > 0 {
		cur := heap.Pop(q).(*item)
		ci := idx(cur.node)
		delete(open, ci)
		if cur.node == goal {
			return reconstruct(cameFrom, ci, cols)
		}
		closed[ci] = true

		for _, d := range neighbours {
			next := Node{cur.node.X + d.X, cur.node.Y + d.Y}
			if !inBounds(next, cols, rows) || !g.Walkable(next.X, next.Y) {
				continue
			}
			ni := idx(next)
			if closed[ni] {
				continue
			}
			tentative := cur.g + 1
			if gScore[ni] >= 0 && tentative >= gScore[ni] {
				continue
			}
			gScore[ni] = tentative
			cameFrom[ni] = ci
			f := tentative + Manhattan(next, goal)
			if it, ok := open[ni]; ok {
				it.g, it.f = tentative, f
				heap.Fix(q, it.index)
				continue
			}
			it := &item{node: next, g: tentative, f: f}
			heap.Push(q, it)
			open[ni] = it
		}
	}
	return []Node{start}
}

func reconstruct(cameFrom []int, last, cols int) []Node {
	var rev []Node
	for i := last; i >= 0; i = cameFrom[i] {
		rev = append(rev, Node{X: i % cols, Y: i / cols})
	}
	path := make([]Node, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

func inBounds(n Node, cols, rows int) bool {
	return n.X >= 0 && n.Y >= 0 && n.X < cols && n.Y < rows
}

// Manhattan returns the 4-connected step distance between two cells,
// ignoring obstacles.
func Manhattan(a, b Node) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}
