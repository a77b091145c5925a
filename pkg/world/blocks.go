package world

import (
	"fmt"

	"github.com/openfroyo/tickstage/pkg/stores"
)

// Block types placed by the terrain generator.
const (
	Stone   stores.Block = 1
	Dirt    stores.Block = 2
	Grass   stores.Block = 3
	Sand    stores.Block = 4
	Bedrock stores.Block = 5
)

var blockNames = map[stores.Block]string{
	stores.Air: "air",
	Stone:      "stone",
	Dirt:       "dirt",
	Grass:      "grass",
	Sand:       "sand",
	Bedrock:    "bedrock",
}

// BlockName returns a readable name for b.
func BlockName(b stores.Block) string {
	if name, ok := blockNames[b]; ok {
		return name
	}
	return fmt.Sprintf("block(%d)", uint16(b))
}

// Falls reports whether b drops when the block below it is air.
func Falls(b stores.Block) bool {
	return b == Sand
}

// Pos is a block position. Depending on context it is in world coordinates
// or local to a region.
type Pos struct {
	X, Y, Z int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Z)
}

// Add offsets p.
func (p Pos) Add(dx, dy, dz int) Pos {
	return Pos{p.X + dx, p.Y + dy, p.Z + dz}
}

var neighbours = [6]Pos{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
