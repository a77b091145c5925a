package world

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/region"
	"github.com/openfroyo/tickstage/pkg/snapshot"
	"github.com/openfroyo/tickstage/pkg/stage"
	"github.com/openfroyo/tickstage/pkg/stores"
	"github.com/openfroyo/tickstage/pkg/telemetry"
)

// Config describes a world: a RegionsX by RegionsZ grid of cubic regions.
type Config struct {
	Name     string
	RegionsX int
	RegionsZ int
	Seed     int64

	// Sequences is the orchestrator's sequence bucket count. It must be at
	// least ParityBuckets.
	Sequences int

	ChunksPerSide         int
	SectionWidth          int
	MaxGenerationAttempts int
}

// Validate checks the world layout. Region geometry is checked by the
// region package.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("world name is required")
	}
	if c.RegionsX <= 0 || c.RegionsZ <= 0 {
		return fmt.Errorf("world needs at least one region, got %dx%d", c.RegionsX, c.RegionsZ)
	}
	if c.Sequences < ParityBuckets {
		return fmt.Errorf("sequence count must be at least %d, got %d", ParityBuckets, c.Sequences)
	}
	return nil
}

// Option configures optional world collaborators.
type Option func(*World)

// WithStore persists and restores every region's chunks.
func WithStore(s stores.ChunkStore) Option {
	return func(w *World) { w.store = s }
}

// WithPool generates sections in the background. Without a pool sections
// are generated on the tick goroutine.
func WithPool(p *region.GenerationPool) Option {
	return func(w *World) { w.pool = p }
}

// WithTelemetry sets the telemetry sinks.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(w *World) { w.tel = t }
}

// WithLoadOption sets how edits reach chunks that are not in memory.
// The default is LoadOrGenerate.
func WithLoadOption(opt region.LoadOption) Option {
	return func(w *World) { w.loadOpt = opt }
}

// WithTerrain replaces the terrain generator.
func WithTerrain(t *Terrain) Option {
	return func(w *World) { w.terrain = t }
}

// World owns the regions of one simulation domain and the managers that
// drive them.
type World struct {
	cfg     Config
	side    int
	coord   *snapshot.Coordinator
	terrain *Terrain
	store   stores.ChunkStore
	pool    *region.GenerationPool
	loadOpt region.LoadOption
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	regions []*RegionManager
	global  *globalManager

	outMu     sync.Mutex
	notices   []Pos
	transfers []Entity
}

// New creates a world whose snapshot primitives are registered with coord.
func New(cfg Config, coord *snapshot.Coordinator, opts ...Option) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid world config", err).
			WithCode(engine.ErrCodeValidation)
	}
	if coord == nil {
		return nil, engine.NewPermanentError("world requires a snapshot coordinator", nil).
			WithCode(engine.ErrCodeValidation)
	}

	w := &World{
		cfg:     cfg,
		side:    cfg.ChunksPerSide * stores.ChunkSize,
		coord:   coord,
		loadOpt: region.LoadOrGenerate,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tel == nil {
		w.tel = telemetry.Nop()
	}
	if w.terrain == nil {
		w.terrain = NewTerrain(cfg.Seed, w.side)
	}
	w.logger = w.tel.Logger.NewComponentLogger("world").WithField("world", cfg.Name)

	var regionOpts []region.Option
	regionOpts = append(regionOpts, region.WithTelemetry(w.tel))
	if w.store != nil {
		regionOpts = append(regionOpts, region.WithStore(w.store))
	}
	if w.pool != nil {
		regionOpts = append(regionOpts, region.WithPool(w.pool))
	}

	w.regions = make([]*RegionManager, cfg.RegionsX*cfg.RegionsZ)
	for rz := 0; rz < cfg.RegionsZ; rz++ {
		for rx := 0; rx < cfg.RegionsX; rx++ {
			rcfg := region.Config{
				Name:                  fmt.Sprintf("%s.r.%d.%d", cfg.Name, rx, rz),
				X:                     rx,
				Z:                     rz,
				ChunksPerSide:         cfg.ChunksPerSide,
				SectionWidth:          cfg.SectionWidth,
				MaxGenerationAttempts: cfg.MaxGenerationAttempts,
			}
			gen := w.terrain.Generator(rx*w.side, rz*w.side)
			r, err := region.New(rcfg, coord, gen, regionOpts...)
			if err != nil {
				w.Close()
				return nil, err
			}
			w.regions[rz*cfg.RegionsX+rx] = newRegionManager(w, rx, rz, r)
		}
	}
	w.global = &globalManager{
		BaseManager: engine.BaseManager{
			Name:   cfg.Name + ".global",
			Stages: stage.Of(stage.GlobalDynamicBlocks, stage.GlobalPhysics),
		},
		world: w,
	}

	w.logger.Zerolog().Info().
		Int("regions", len(w.regions)).
		Int("chunks_per_side", cfg.ChunksPerSide).
		Int64("seed", cfg.Seed).
		Msg("World created")
	return w, nil
}

// Name returns the world name.
func (w *World) Name() string { return w.cfg.Name }

// Terrain returns the terrain generator.
func (w *World) Terrain() *Terrain { return w.terrain }

// Regions returns the region managers in z-major order.
func (w *World) Regions() []*RegionManager {
	out := make([]*RegionManager, len(w.regions))
	copy(out, w.regions)
	return out
}

// Region returns the manager of region rx, rz, or nil.
func (w *World) Region(rx, rz int) *RegionManager {
	if rx < 0 || rx >= w.cfg.RegionsX || rz < 0 || rz >= w.cfg.RegionsZ {
		return nil
	}
	return w.regions[rz*w.cfg.RegionsX+rx]
}

// Managers returns every manager the world needs registered.
func (w *World) Managers() []engine.AsyncManager {
	out := make([]engine.AsyncManager, 0, len(w.regions)+1)
	for _, m := range w.regions {
		out = append(out, m)
	}
	return append(out, w.global)
}

// Register registers every manager with o.
func (w *World) Register(o *engine.Orchestrator) error {
	for _, m := range w.Managers() {
		if err := o.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Restore reads which sections each region has stored.
func (w *World) Restore(ctx context.Context) error {
	for _, m := range w.regions {
		if err := m.region.Restore(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Pregenerate generates the first n sections of every region and activates
// them. It waits for the work and returns the number of sections now
// complete.
func (w *World) Pregenerate(ctx context.Context, n int) (done int, err error) {
	op := telemetry.StartOperation(w.tel.WithContext(ctx), "world.pregenerate",
		telemetry.AttrWorld.String(w.cfg.Name))
	defer func() {
		op.Logger.Zerolog().Info().
			Int("sections", done).
			Dur("duration", op.Timer.Duration()).
			Msg("Pregeneration finished")
		op.End(err)
	}()

	var count atomic.Int64
	g, gctx := errgroup.WithContext(op.Ctx)
	g.SetLimit(runtime.NumCPU())

	for _, m := range w.regions {
		limit := n
		if limit > m.region.SectionCount() {
			limit = m.region.SectionCount()
		}
		for sec := 0; sec < limit; sec++ {
			m, sec := m, sec
			g.Go(func() error {
				if err := m.region.Generate(gctx, sec, true); err != nil {
					return fmt.Errorf("pregenerate %s section %d: %w", m.ID(), sec, err)
				}
				m.submitActivate(sec)
				count.Add(1)
				return nil
			})
		}
	}

	err = g.Wait()
	return int(count.Load()), err
}

// Save writes every region's live chunks to the store.
func (w *World) Save(ctx context.Context) (total int, err error) {
	op := telemetry.StartOperation(w.tel.WithContext(ctx), "world.save",
		telemetry.AttrWorld.String(w.cfg.Name))
	defer func() { op.End(err) }()

	for _, m := range w.regions {
		n, err := m.region.Save(op.Ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	op.Logger.Zerolog().Debug().
		Int("chunks", total).
		Dur("duration", op.Timer.Duration()).
		Msg("World saved")
	return total, nil
}

// Close unregisters every snapshot primitive the world created.
func (w *World) Close() {
	for _, m := range w.regions {
		if m != nil {
			m.close()
		}
	}
}

// locate returns the manager owning a world position and the position local
// to it. The manager is nil outside the world.
func (w *World) locate(p Pos) (*RegionManager, Pos) {
	rx, rz := floorDiv(p.X, w.side), floorDiv(p.Z, w.side)
	m := w.Region(rx, rz)
	if m == nil || p.Y < 0 || p.Y >= w.side {
		return nil, Pos{}
	}
	return m, m.local(p)
}

// BlockAt returns the block at a world position as of the last committed
// tick, and whether its chunk was loaded.
func (w *World) BlockAt(p Pos) (stores.Block, bool) {
	m, l := w.locate(p)
	if m == nil {
		return stores.Air, false
	}
	return m.tickedBlock(l)
}

// Height returns the committed sky height of a world column.
func (w *World) Height(x, z int) (int, bool) {
	m, l := w.locate(Pos{x, 0, z})
	if m == nil {
		return 0, false
	}
	return m.Height(l.X, l.Z), true
}

// liveSolid reports whether the live block at p is solid. Positions above
// the world, below it or beside it are empty.
func (w *World) liveSolid(p Pos) (bool, bool) {
	m, l := w.locate(p)
	if m == nil {
		return false, true
	}
	b, loaded := m.liveBlock(l)
	return loaded && b != stores.Air, loaded
}

// PlaceBlock queues a block change. It is applied during Stage2Plus of the
// next tick.
func (w *World) PlaceBlock(p Pos, b stores.Block) error {
	m, l := w.locate(p)
	if m == nil {
		return engine.NewPermanentError(fmt.Sprintf("position %s outside world", p), nil).
			WithCode(engine.ErrCodeValidation)
	}
	m.submitEdit(l, b)
	return nil
}

// Activate queues the section containing p for generation and simulation.
func (w *World) Activate(p Pos) error {
	m, l := w.locate(p)
	if m == nil {
		return engine.NewPermanentError(fmt.Sprintf("position %s outside world", p), nil).
			WithCode(engine.ErrCodeValidation)
	}
	m.submitActivate(m.sectionOf(l))
	return nil
}

// Spawn queues an entity and returns its ID. An empty ID is assigned.
func (w *World) Spawn(e Entity) (string, error) {
	m, _ := w.locate(e.Block())
	if m == nil {
		return "", engine.NewPermanentError(fmt.Sprintf("position %s outside world", e.Block()), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.submitSpawn(e)
	return e.ID, nil
}

// Entity returns a committed entity by ID.
func (w *World) Entity(id string) (Entity, bool) {
	for _, m := range w.regions {
		if e, ok := m.entities.Get(id); ok {
			return e, true
		}
	}
	return Entity{}, false
}

// Entities returns every committed entity sorted by ID.
func (w *World) Entities() []Entity {
	var out []Entity
	for _, m := range w.regions {
		for _, e := range m.entities.Snapshot() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats sums the committed stats of every region.
func (w *World) Stats() ManagerStats {
	var total ManagerStats
	for _, m := range w.regions {
		s := m.Stats()
		if s.Ticks > total.Ticks {
			total.Ticks = s.Ticks
		}
		total.Entities += s.Entities
		total.ActiveSections += s.ActiveSections
		total.PendingUpdates += s.PendingUpdates
		total.Updates += s.Updates
		total.Moves += s.Moves
	}
	return total
}

func (w *World) post(p Pos) {
	w.outMu.Lock()
	w.notices = append(w.notices, p)
	w.outMu.Unlock()
}

func (w *World) transfer(e Entity) {
	w.outMu.Lock()
	w.transfers = append(w.transfers, e)
	w.outMu.Unlock()
}

// globalManager forwards work that crosses region borders.
type globalManager struct {
	engine.BaseManager
	world *World
}

// RunGlobalDynamicUpdates hands block notifications to the region that owns
// them. Notifications for unloaded chunks are dropped.
func (g *globalManager) RunGlobalDynamicUpdates(context.Context) (int, error) {
	w := g.world
	w.outMu.Lock()
	notices := w.notices
	w.notices = nil
	w.outMu.Unlock()

	n := 0
	for _, p := range notices {
		m, l := w.locate(p)
		if m == nil {
			continue
		}
		if _, loaded := m.liveBlock(l); !loaded {
			continue
		}
		m.enqueue(l)
		n++
	}
	return n, nil
}

// RunGlobalPhysics moves entities that left their region into the region
// they entered. Entities that left the world are dropped.
func (g *globalManager) RunGlobalPhysics(context.Context) (int, error) {
	w := g.world
	w.outMu.Lock()
	transfers := w.transfers
	w.transfers = nil
	w.outMu.Unlock()

	n := 0
	for _, e := range transfers {
		b := e.Block()
		m := w.Region(floorDiv(b.X, w.side), floorDiv(b.Z, w.side))
		if m == nil {
			w.logger.WithField("entity_id", e.ID).Debug("Entity left the world")
			continue
		}
		m.receive(e)
		n++
	}
	return n, nil
}
