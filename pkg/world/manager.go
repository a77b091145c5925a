package world

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/region"
	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stage"
	"github.com/openfroyo/tickstage/pkg/stores"
	"github.com/openfroyo/tickstage/pkg/telemetry"
)

// regionStages are the stages a region manager takes part in.
var regionStages = stage.Of(
	stage.TickStart, stage.Stage1, stage.Stage2Plus,
	stage.DynamicBlocks, stage.Physics, stage.Lighting,
	stage.Finalize, stage.PreSnapshot, stage.Snapshot,
)

// ParityBuckets is the number of region coordinate parities. Spatial stages
// run one bucket per parity, so regions sharing a bucket are never
// neighbours.
const ParityBuckets = 4

// spatialStages run one bucket per region coordinate parity.
var spatialStages = stage.Of(stage.DynamicBlocks, stage.Physics, stage.Lighting)

// ManagerStats describes one region manager's last committed tick.
type ManagerStats struct {
	Ticks          uint64
	Entities       int
	ActiveSections int
	PendingUpdates int
	Updates        int64
	Moves          int64
}

type edit struct {
	pos   Pos
	block stores.Block
}

// RegionManager drives one region through the tick stages.
//
// Block positions inside a manager are local to its region. Work that
// crosses into a neighbouring region is posted to the World and forwarded
// during the global stages.
type RegionManager struct {
	engine.BaseManager

	world   *World
	rx, rz  int
	originX int
	originZ int
	side    int
	seq     int
	region  *region.Region
	logger  *telemetry.Logger

	entities *snapshot.Map[string, Entity]
	active   *snapshot.Set[int]
	heights  *snapshot.Array[int32]
	ticks    *snapshot.Value[uint64]

	mu        sync.Mutex
	edits     []edit
	spawns    []Entity
	activates []int
	arrivals  []Entity
	queue     []Pos
	queued    map[Pos]struct{}
	dirtyCols map[int]struct{}

	// Owned by the manager's own callbacks, which never overlap.
	delta       time.Duration
	physicsDone bool
	scanned     map[int]bool
	exhausted   map[int]bool

	statsMu   sync.Mutex
	working   ManagerStats
	committed ManagerStats
}

func newRegionManager(w *World, rx, rz int, r *region.Region) *RegionManager {
	side := w.side
	m := &RegionManager{
		BaseManager: engine.BaseManager{Name: r.Name(), Stages: regionStages},
		world:       w,
		rx:          rx,
		rz:          rz,
		originX:     rx * side,
		originZ:     rz * side,
		side:        side,
		seq:         (rx & 1) | (rz&1)<<1,
		region:      r,
		entities:    snapshot.NewMap[string, Entity](w.coord),
		active:      snapshot.NewSet[int](w.coord),
		heights:     snapshot.NewArray[int32](w.coord, side*side, side, 0),
		ticks:       snapshot.NewValue[uint64](w.coord, 0),
		queued:      make(map[Pos]struct{}),
		dirtyCols:   make(map[int]struct{}),
		scanned:     make(map[int]bool),
		exhausted:   make(map[int]bool),
	}
	m.logger = w.tel.Logger.NewComponentLogger("region_manager").
		WithManager(m.ID()).
		WithRegion(rx, 0, rz)
	return m
}

// Region returns the managed region.
func (m *RegionManager) Region() *region.Region { return m.region }

// Sequence returns the bucket the manager runs in for spatial stages.
func (m *RegionManager) Sequence() int { return m.seq }

// Stats returns the stats committed at the last Snapshot stage.
func (m *RegionManager) Stats() ManagerStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.committed
}

// CheckSequence places spatial stages in the region's parity bucket and every
// other stage in bucket 0.
func (m *RegionManager) CheckSequence(s stage.Stage, seq int) bool {
	if spatialStages.Contains(s) {
		return seq == m.seq
	}
	return seq == 0
}

func (m *RegionManager) StartTick(ctx context.Context, s stage.Stage, delta time.Duration) error {
	switch s {
	case stage.TickStart:
		m.delta = delta
		m.physicsDone = false
		return nil
	case stage.Stage1:
		return m.prepareSections(ctx)
	case stage.Stage2Plus:
		return m.applyInbox(ctx)
	}
	return nil
}

// prepareSections activates the sections entities stand in, generates
// active sections that are missing and scans newly completed ones for
// blocks that need to settle.
func (m *RegionManager) prepareSections(ctx context.Context) error {
	var errs []error
	for _, e := range m.entities.LiveSnapshot() {
		l := m.local(e.Block())
		if !m.inRegion(l) {
			continue
		}
		if _, err := m.active.Add(m.sectionOf(l)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, sec := range m.active.LiveItems() {
		if err := m.prepareSection(ctx, sec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *RegionManager) prepareSection(ctx context.Context, sec int) error {
	if m.scanned[sec] || m.exhausted[sec] {
		return nil
	}

	switch m.region.State(sec) {
	case region.StateComplete:
	case region.StateInProgress, region.StateCopying:
		return nil
	default:
		err := m.region.Generate(ctx, sec, m.world.pool == nil)
		if region.IsExhausted(err) {
			m.exhausted[sec] = true
			m.logger.WithField("section", sec).Warn("Section cannot be generated, leaving it empty")
			return nil
		}
		if err != nil {
			return err
		}
		if m.region.State(sec) != region.StateComplete {
			return nil
		}
	}

	m.scan(sec)
	m.scanned[sec] = true
	return nil
}

// scan queues every falling block of a section and marks its columns for
// lighting.
func (m *RegionManager) scan(sec int) {
	ox, oy, oz := m.region.SectionOrigin(sec)
	width := m.region.Config().SectionWidth

	for dy := 0; dy < width; dy++ {
		for dz := 0; dz < width; dz++ {
			for dx := 0; dx < width; dx++ {
				cx, cy, cz := ox+dx, oy+dy, oz+dz
				c := m.region.LiveChunk(cx, cy, cz)
				if c == nil {
					continue
				}
				for i, b := range c.Blocks {
					if !Falls(b) {
						continue
					}
					m.enqueue(Pos{
						X: cx*stores.ChunkSize + i%stores.ChunkSize,
						Y: cy*stores.ChunkSize + i/(stores.ChunkSize*stores.ChunkSize),
						Z: cz*stores.ChunkSize + (i/stores.ChunkSize)%stores.ChunkSize,
					})
				}
			}
		}
	}

	x0, z0 := ox*stores.ChunkSize, oz*stores.ChunkSize
	span := width * stores.ChunkSize
	for z := z0; z < z0+span; z++ {
		for x := x0; x < x0+span; x++ {
			m.markColumn(x, z)
		}
	}
}

// applyInbox applies requests made from outside the tick.
func (m *RegionManager) applyInbox(ctx context.Context) error {
	m.mu.Lock()
	edits, spawns, activates := m.edits, m.spawns, m.activates
	m.edits, m.spawns, m.activates = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	for _, sec := range activates {
		if _, err := m.active.Add(sec); err != nil {
			errs = append(errs, err)
		}
	}

	for _, e := range edits {
		c, err := m.region.LoadChunk(ctx, e.pos.X/stores.ChunkSize, e.pos.Y/stores.ChunkSize, e.pos.Z/stores.ChunkSize, m.world.loadOpt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c == nil {
			m.logger.WithField("pos", e.pos.String()).Debug("Dropping edit for unloaded chunk")
			continue
		}
		if _, err := m.active.Add(m.sectionOf(e.pos)); err != nil {
			errs = append(errs, err)
		}
		if m.setBlock(e.pos, e.block) {
			m.notify(e.pos)
			m.markColumn(e.pos.X, e.pos.Z)
		}
	}

	for _, e := range spawns {
		if err := m.entities.Put(e.ID, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunDynamicUpdates settles falling blocks. Every queued position counts as
// one update whether or not the block moves.
func (m *RegionManager) RunDynamicUpdates(ctx context.Context, threshold int64, _ int) (int, error) {
	batch := m.take(threshold)
	n := 0
	var moves int64
	for i, p := range batch {
		if err := ctx.Err(); err != nil {
			m.requeue(batch[i:])
			m.addUpdates(int64(n), moves)
			return n, err
		}
		n++
		if m.update(p) {
			moves++
		}
	}
	m.addUpdates(int64(n), moves)
	return n, nil
}

// update moves a falling block at p down by one if the block below is air.
func (m *RegionManager) update(p Pos) bool {
	b, ok := m.liveBlock(p)
	if !ok || !Falls(b) {
		return false
	}
	below := p.Add(0, -1, 0)
	if below.Y < 0 {
		return false
	}
	under, ok := m.liveBlock(below)
	if !ok || under != stores.Air {
		return false
	}

	m.setBlock(below, b)
	m.setBlock(p, stores.Air)
	m.notify(p)
	m.notify(below)
	m.markColumn(p.X, p.Z)
	return true
}

// RunPhysics integrates entities once per tick. Later passes of the same
// tick only take in entities that arrived from other regions.
func (m *RegionManager) RunPhysics(ctx context.Context, _ int) (int, error) {
	var errs []error
	n := 0

	if !m.physicsDone {
		m.physicsDone = true
		for id, e := range m.entities.LiveSnapshot() {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			next, res := step(e, m.delta, m.world.liveSolid)
			if res != stepMoved {
				continue
			}
			n++

			switch {
			case next.Y < 0:
				if _, err := m.entities.Remove(id); err != nil {
					errs = append(errs, err)
				}
				m.logger.WithField("entity_id", id).Debug("Entity fell out of the world")
			case !m.owns(next):
				if _, err := m.entities.Remove(id); err != nil {
					errs = append(errs, err)
					continue
				}
				m.world.transfer(next)
			default:
				if err := m.entities.Put(id, next); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	m.mu.Lock()
	arrivals := m.arrivals
	m.arrivals = nil
	m.mu.Unlock()
	for _, e := range arrivals {
		if err := m.entities.Put(e.ID, e); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}

	return n, errors.Join(errs...)
}

// RunLighting recomputes the sky height of every column changed this tick.
func (m *RegionManager) RunLighting(ctx context.Context, _ int) error {
	m.mu.Lock()
	cols := m.dirtyCols
	m.dirtyCols = make(map[int]struct{})
	m.mu.Unlock()

	for idx := range cols {
		if err := ctx.Err(); err != nil {
			return err
		}
		x, z := idx%m.side, idx/m.side
		if err := m.heights.Set(idx, int32(m.columnHeight(x, z))); err != nil {
			return err
		}
	}
	return nil
}

func (m *RegionManager) columnHeight(x, z int) int {
	for y := m.side - 1; y >= 0; y-- {
		if b, ok := m.liveBlock(Pos{x, y, z}); ok && b != stores.Air {
			return y + 1
		}
	}
	return 0
}

func (m *RegionManager) Finalize(context.Context) error {
	return m.ticks.Update(func(n uint64) uint64 { return n + 1 })
}

// PreSnapshot gathers stats. It only reads.
func (m *RegionManager) PreSnapshot(context.Context) error {
	pending := m.Pending()

	m.statsMu.Lock()
	m.working.Ticks = m.ticks.Live()
	m.working.Entities = m.entities.LiveLen()
	m.working.ActiveSections = len(m.active.LiveItems())
	m.working.PendingUpdates = pending
	m.statsMu.Unlock()
	return nil
}

// CopySnapshot publishes the tick's stats.
func (m *RegionManager) CopySnapshot(context.Context, int) error {
	m.statsMu.Lock()
	m.committed = m.working
	m.working = ManagerStats{}
	m.statsMu.Unlock()
	return nil
}

// Pending returns the number of queued block updates.
func (m *RegionManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Entities returns the entities committed at the last Snapshot stage.
func (m *RegionManager) Entities() map[string]Entity {
	return m.entities.Snapshot()
}

// ActiveSections returns the committed active sections.
func (m *RegionManager) ActiveSections() []int {
	return m.active.Items()
}

// Height returns the committed sky height of a local column.
func (m *RegionManager) Height(x, z int) int {
	return int(m.heights.Get(z*m.side + x))
}

// Ticks returns the number of ticks the manager has finalized.
func (m *RegionManager) Ticks() uint64 {
	return m.ticks.Get()
}

func (m *RegionManager) addUpdates(n, moves int64) {
	m.statsMu.Lock()
	m.working.Updates += n
	m.working.Moves += moves
	m.statsMu.Unlock()
}

func (m *RegionManager) local(p Pos) Pos {
	return Pos{p.X - m.originX, p.Y, p.Z - m.originZ}
}

func (m *RegionManager) global(p Pos) Pos {
	return Pos{p.X + m.originX, p.Y, p.Z + m.originZ}
}

func (m *RegionManager) inRegion(p Pos) bool {
	return p.X >= 0 && p.X < m.side && p.Y >= 0 && p.Y < m.side && p.Z >= 0 && p.Z < m.side
}

// owns reports whether an entity's column lies inside the region.
func (m *RegionManager) owns(e Entity) bool {
	l := m.local(e.Block())
	return l.X >= 0 && l.X < m.side && l.Z >= 0 && l.Z < m.side
}

func (m *RegionManager) sectionOf(p Pos) int {
	return m.region.SectionOf(p.X/stores.ChunkSize, p.Y/stores.ChunkSize, p.Z/stores.ChunkSize)
}

// liveBlock returns the block at a local position and whether its chunk is
// loaded.
func (m *RegionManager) liveBlock(p Pos) (stores.Block, bool) {
	c := m.region.LiveChunk(p.X/stores.ChunkSize, p.Y/stores.ChunkSize, p.Z/stores.ChunkSize)
	if c == nil {
		return stores.Air, false
	}
	return c.At(p.X%stores.ChunkSize, p.Y%stores.ChunkSize, p.Z%stores.ChunkSize), true
}

// tickedBlock is liveBlock on the view committed at the last Snapshot stage.
func (m *RegionManager) tickedBlock(p Pos) (stores.Block, bool) {
	c := m.region.Chunk(p.X/stores.ChunkSize, p.Y/stores.ChunkSize, p.Z/stores.ChunkSize)
	if c == nil {
		return stores.Air, false
	}
	return c.At(p.X%stores.ChunkSize, p.Y%stores.ChunkSize, p.Z%stores.ChunkSize), true
}

func (m *RegionManager) setBlock(p Pos, b stores.Block) bool {
	return m.region.EditChunk(p.X/stores.ChunkSize, p.Y/stores.ChunkSize, p.Z/stores.ChunkSize, func(c *stores.Chunk) bool {
		x, y, z := p.X%stores.ChunkSize, p.Y%stores.ChunkSize, p.Z%stores.ChunkSize
		if c.At(x, y, z) == b {
			return false
		}
		c.Set(x, y, z, b)
		return true
	})
}

// notify queues p and its neighbours. Neighbours in another region are
// posted to the world.
func (m *RegionManager) notify(p Pos) {
	m.enqueue(p)
	for _, d := range neighbours {
		n := p.Add(d.X, d.Y, d.Z)
		switch {
		case m.inRegion(n):
			m.enqueue(n)
		case n.Y >= 0 && n.Y < m.side:
			m.world.post(m.global(n))
		}
	}
}

func (m *RegionManager) enqueue(p Pos) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queued[p]; ok {
		return
	}
	m.queued[p] = struct{}{}
	m.queue = append(m.queue, p)
}

func (m *RegionManager) take(limit int64) []Pos {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || len(m.queue) == 0 {
		return nil
	}
	n := len(m.queue)
	if int64(n) > limit {
		n = int(limit)
	}
	batch := make([]Pos, n)
	copy(batch, m.queue)
	m.queue = append(m.queue[:0], m.queue[n:]...)
	for _, p := range batch {
		delete(m.queued, p)
	}
	return batch
}

func (m *RegionManager) requeue(ps []Pos) {
	for _, p := range ps {
		m.enqueue(p)
	}
}

func (m *RegionManager) markColumn(x, z int) {
	m.mu.Lock()
	m.dirtyCols[z*m.side+x] = struct{}{}
	m.mu.Unlock()
}

func (m *RegionManager) submitEdit(p Pos, b stores.Block) {
	m.mu.Lock()
	m.edits = append(m.edits, edit{pos: p, block: b})
	m.mu.Unlock()
}

func (m *RegionManager) submitSpawn(e Entity) {
	m.mu.Lock()
	m.spawns = append(m.spawns, e)
	m.mu.Unlock()
}

func (m *RegionManager) submitActivate(sec int) {
	m.mu.Lock()
	m.activates = append(m.activates, sec)
	m.mu.Unlock()
}

func (m *RegionManager) receive(e Entity) {
	m.mu.Lock()
	m.arrivals = append(m.arrivals, e)
	m.mu.Unlock()
}

func (m *RegionManager) close() {
	m.entities.Close()
	m.active.Close()
	m.heights.Close()
	m.ticks.Close()
	m.region.Close()
}
