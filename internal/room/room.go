// Package room defines the room presets of the plaza: grid dimensions,
// blocked furniture cells, seats and music boxes. Layouts are declared in an
// embedded YAML document and are fixed per room name.
package room

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Name identifies a room preset.
type Name string

// Room presets.
const (
	Lobby   Name = "Lobby"
	Cafe    Name = "Café"
	Rooftop Name = "Rooftop"
)

// Spawn cell used when entering a room and as the default position of a peer
// whose position has not been received yet.
const (
	SpawnX      = 6
	SpawnY      = 6
	SpawnFacing = South
)

// Names lists the room presets in display order.
func Names() []Name {
	return []Name{Lobby, Cafe, Rooftop}
}

// ParseName resolves a room name case-insensitively. "Cafe" is accepted as
// an alias for "Café".
func ParseName(s string) (Name, error) {
	s = strings.TrimSpace(s)
	for _, n := range Names() {
		if strings.EqualFold(s, string(n)) {
			return n, nil
		}
	}
	if strings.EqualFold(s, "cafe") {
		return Cafe, nil
	}
	return "", fmt.Errorf("room: unknown room %q", s)
}

// Seat is a docking cell with the orientation an avatar takes when seated.
type Seat struct {
	X      int    `yaml:"x"`
	Y      int    `yaml:"y"`
	Facing Facing `yaml:"facing"`
}

// MusicBox is an interactive object. Clicks on it are forwarded to the
// embedding application and never interpreted by the engine.
type MusicBox struct {
	ID    string `yaml:"id"`
	X     int    `yaml:"x"`
	Y     int    `yaml:"y"`
	Label string `yaml:"label"`
}

// Rect is a blocked rectangle. Zero width or height means 1.
type Rect struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// Layout is the static description of one room.
type Layout struct {
	Name   Name       `yaml:"name"`
	Cols   int        `yaml:"cols"`
	Rows   int        `yaml:"rows"`
	Blocks []Rect     `yaml:"blocks"`
	Seats  []Seat     `yaml:"seats"`
	Music  []MusicBox `yaml:"music"`
}

//go:embed rooms.yaml
var layoutsYAML []byte

var layouts map[Name]Layout

func init() {
	var err error
	layouts, err = parseLayouts(layoutsYAML)
	if err != nil {
		panic(err)
	}
}

func parseLayouts(data []byte) (map[Name]Layout, error) {
	var doc struct {
		Rooms []Layout `yaml:"rooms"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("room: parse layouts: %w", err)
	}

	out := make(map[Name]Layout, len(doc.Rooms))
	for _, l := range doc.Rooms {
		if l.Cols < 3 || l.Rows < 3 {
			return nil, fmt.Errorf("room: %s: grid %dx%d too small", l.Name, l.Cols, l.Rows)
		}
		for _, s := range l.Seats {
			if !s.Facing.Valid() {
				return nil, fmt.Errorf("room: %s: seat (%d,%d) has invalid facing %q", l.Name, s.X, s.Y, s.Facing)
			}
		}
		out[l.Name] = l
	}
	for _, n := range Names() {
		if _, ok := out[n]; !ok {
			return nil, fmt.Errorf("room: missing layout for %s", n)
		}
	}
	return out, nil
}

// LayoutFor returns the layout of a room preset. Unknown names fall back to
// the Lobby.
func LayoutFor(n Name) Layout {
	if l, ok := layouts[n]; ok {
		return l
	}
	return layouts[Lobby]
}

// MusicBoxAt returns the music box standing on (x, y), if any.
func (l Layout) MusicBoxAt(x, y int) (MusicBox, bool) {
	for _, m := range l.Music {
		if m.X == x && m.Y == y {
			return m, true
		}
	}
	return MusicBox{}, false
}
