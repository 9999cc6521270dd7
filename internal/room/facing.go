package room

// Facing is one of the four cardinal orientations of an avatar.
type Facing string

const (
	North Facing = "N"
	South Facing = "S"
	East  Facing = "E"
	West  Facing = "W"
)

// Valid reports whether f is one of N, S, E, W.
func (f Facing) Valid() bool {
	switch f {
	case North, South, East, West:
		return true
	}
	return false
}

// FacingToward returns the orientation for a movement delta. The dominant
// axis wins; ties go to the horizontal axis. A zero delta faces south.
func FacingToward(dx, dy float64) Facing {
	adx, ady := dx, dy
	if adx < 0 {
		adx = -adx
	}
	if ady < 0 {
		ady = -ady
	}
	switch {
	case adx == 0 && ady == 0:
		return South
	case adx >= ady:
		if dx > 0 {
			return East
		}
		return West
	case dy > 0:
		return South
	default:
		return North
	}
}
