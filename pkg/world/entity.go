package world

import (
	"math"
	"time"
)

const (
	gravity          = 20.0
	terminalVelocity = 50.0
	maxStep          = 250 * time.Millisecond
)

// Entity is a point body in world block coordinates.
type Entity struct {
	ID string `json:"id"`

	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`

	OnGround bool `json:"on_ground"`
}

// Block returns the block position the entity occupies.
func (e Entity) Block() Pos {
	return Pos{int(math.Floor(e.X)), int(math.Floor(e.Y)), int(math.Floor(e.Z))}
}

// stepResult says what one physics step did to an entity.
type stepResult uint8

const (
	stepIdle stepResult = iota
	stepMoved
	stepFrozen
)

// solidFunc reports whether the world block at p is solid and whether its
// chunk is loaded.
type solidFunc func(p Pos) (solid, loaded bool)

// step advances e by dt. Entities whose next position lies in an unloaded
// chunk do not move.
func step(e Entity, dt time.Duration, solid solidFunc) (Entity, stepResult) {
	if dt > maxStep {
		dt = maxStep
	}
	secs := dt.Seconds()

	if e.OnGround && e.VX == 0 && e.VZ == 0 {
		below, loaded := solid(e.Block().Add(0, -1, 0))
		if !loaded || below {
			return e, stepIdle
		}
		e.OnGround = false
	}

	next := e
	next.VY = math.Max(e.VY-gravity*secs, -terminalVelocity)
	next.X += e.VX * secs
	next.Z += e.VZ * secs
	next.Y += next.VY * secs

	// Horizontal blocking at the current height.
	side := Pos{int(math.Floor(next.X)), int(math.Floor(e.Y)), int(math.Floor(next.Z))}
	blocked, loaded := solid(side)
	if !loaded {
		return e, stepFrozen
	}
	if blocked {
		next.X, next.Z = e.X, e.Z
		next.VX, next.VZ = 0, 0
	}

	if next.Y < 0 {
		return next, stepMoved
	}

	// Sweep every block between the old and new feet so fast falls cannot
	// pass through the ground.
	col := Pos{int(math.Floor(next.X)), 0, int(math.Floor(next.Z))}
	next.OnGround = false
	if next.VY <= 0 {
		from := int(math.Floor(e.Y))
		to := int(math.Floor(next.Y))
		for y := from; y >= to; y-- {
			hit, loaded := solid(Pos{col.X, y, col.Z})
			if !loaded {
				return e, stepFrozen
			}
			if hit {
				next.Y = float64(y + 1)
				next.VY = 0
				next.OnGround = true
				break
			}
		}
	}

	return next, stepMoved
}
