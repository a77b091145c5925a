package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/tickstage/pkg/engine"
	"github.com/openfroyo/tickstage/pkg/region"
	"github.com/openfroyo/tickstage/pkg/stores"
	"github.com/openfroyo/tickstage/pkg/telemetry"
	"github.com/openfroyo/tickstage/pkg/world"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "tickstage.yaml"

// Config is the complete tickstage configuration.
type Config struct {
	Tick       TickConfig       `yaml:"tick"`
	World      WorldConfig      `yaml:"world"`
	Region     RegionConfig     `yaml:"region"`
	Generation GenerationConfig `yaml:"generation"`
	Store      StoreConfig      `yaml:"store"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// TickConfig configures the tick orchestrator. Rate and UpdateThreshold
// may change on reload; SequenceCount is fixed for the life of a process.
type TickConfig struct {
	// Rate is the target interval between ticks.
	Rate time.Duration `yaml:"rate" validate:"gt=0"`

	// Workers bounds parallel managers per bucket. Zero means one per CPU.
	Workers int `yaml:"workers" validate:"gte=0"`

	// SequenceCount is the number of sequence buckets per stage. Region
	// managers spread over four parity buckets, so fewer are rejected.
	SequenceCount int `yaml:"sequence_count" validate:"gte=4,lte=64"`

	// UpdateThreshold bounds dynamic and physics updates per tick.
	UpdateThreshold int64 `yaml:"update_threshold" validate:"gt=0"`
}

// WorldConfig sizes the reference world.
type WorldConfig struct {
	Name     string `yaml:"name" validate:"required,excludesall=/"`
	RegionsX int    `yaml:"regions_x" validate:"gte=1"`
	RegionsZ int    `yaml:"regions_z" validate:"gte=1"`
	Seed     int64  `yaml:"seed"`

	// Pregenerate lists how many sections around the origin of every region
	// are generated before the first tick. Zero means none.
	Pregenerate int `yaml:"pregenerate" validate:"gte=0"`
}

// RegionConfig describes every region's chunk grid.
type RegionConfig struct {
	ChunksPerSide         int `yaml:"chunks_per_side" validate:"gt=0"`
	SectionWidth          int `yaml:"section_width" validate:"gt=0,pow2"`
	MaxGenerationAttempts int `yaml:"max_generation_attempts" validate:"gte=1"`
}

// GenerationConfig sizes the shared generation pool.
type GenerationConfig struct {
	Workers         int           `yaml:"workers" validate:"gte=1"`
	QueueSize       int           `yaml:"queue_size" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig selects chunk persistence.
type StoreConfig struct {
	Driver     string        `yaml:"driver" validate:"oneof=sqlite badger memory"`
	Path       string        `yaml:"path" validate:"required_unless=Driver memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel        string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string `yaml:"log_format" validate:"oneof=json console"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsAddress  string `yaml:"metrics_address" validate:"required_if=MetricsEnabled true"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter" validate:"oneof=otlp stdout none"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TraceEveryTicks uint64 `yaml:"trace_every_ticks"`
	Environment     string `yaml:"environment"`
}

// Defaults returns a configuration for a small 20 Hz world stored in SQLite.
func Defaults() *Config {
	return &Config{
		Tick: TickConfig{
			Rate:            50 * time.Millisecond,
			Workers:         0,
			SequenceCount:   8,
			UpdateThreshold: 4096,
		},
		World: WorldConfig{
			Name:     "overworld",
			RegionsX: 2,
			RegionsZ: 2,
			Seed:     1,
		},
		Region: RegionConfig{
			ChunksPerSide:         8,
			SectionWidth:          4,
			MaxGenerationAttempts: 3,
		},
		Generation: GenerationConfig{
			Workers:         runtime.NumCPU(),
			QueueSize:       256,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "tickstage.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsAddress:  ":9090",
			TracingExporter: "none",
			TraceEveryTicks: 100,
			Environment:     "development",
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		n := fl.Field().Int()
		return n > 0 && n&(n-1) == 0
	})
	return v
}

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return engine.NewPermanentError("invalid configuration: "+strings.Join(msgs, "; "), err).
				WithCode(engine.ErrCodeValidation)
		}
		return engine.NewPermanentError("invalid configuration", err).WithCode(engine.ErrCodeValidation)
	}

	if c.Region.ChunksPerSide%c.Region.SectionWidth != 0 {
		return engine.NewPermanentError(fmt.Sprintf(
			"region.section_width %d must divide region.chunks_per_side %d",
			c.Region.SectionWidth, c.Region.ChunksPerSide), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return engine.NewPermanentError("telemetry.tracing_endpoint is required for the otlp exporter", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Load reads path on top of Defaults and validates the result. Fields absent
// from the file keep their default values; unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Settings returns the orchestrator settings.
func (c *Config) Settings() engine.Settings {
	s := engine.DefaultSettings()
	if c.Tick.Workers > 0 {
		s.Workers = c.Tick.Workers
	}
	s.SequenceCount = c.Tick.SequenceCount
	s.UpdateThreshold = c.Tick.UpdateThreshold
	s.TickRate = c.Tick.Rate
	return s
}

// TelemetryConfig returns the telemetry configuration.
func (c *Config) TelemetryConfig() *telemetry.Config {
	t := telemetry.DefaultConfig()
	t.Environment = c.Telemetry.Environment
	t.Logging.Level = c.Telemetry.LogLevel
	t.Logging.Format = c.Telemetry.LogFormat
	t.Metrics.Enabled = c.Telemetry.MetricsEnabled
	t.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	t.Tracing.Enabled = c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter != "none"
	if t.Tracing.Enabled {
		t.Tracing.Exporter = c.Telemetry.TracingExporter
		t.Tracing.Endpoint = c.Telemetry.TracingEndpoint
		t.Tracing.TickSampleEvery = c.Telemetry.TraceEveryTicks
	}
	return t
}

// StoreOptions returns the options for stores.Open.
func (c *Config) StoreOptions(logger *zerolog.Logger) stores.Options {
	return stores.Options{
		Driver:     c.Store.Driver,
		Path:       c.Store.Path,
		SyncWrites: c.Store.SyncWrites,
		GCInterval: c.Store.GCInterval,
		Logger:     logger,
	}
}

// WorldConfig returns the world layout.
func (c *Config) WorldConfig() world.Config {
	return world.Config{
		Name:                  c.World.Name,
		RegionsX:              c.World.RegionsX,
		RegionsZ:              c.World.RegionsZ,
		Seed:                  c.World.Seed,
		Sequences:             c.Tick.SequenceCount,
		ChunksPerSide:         c.Region.ChunksPerSide,
		SectionWidth:          c.Region.SectionWidth,
		MaxGenerationAttempts: c.Region.MaxGenerationAttempts,
	}
}

// PoolConfig returns the generation pool sizing.
func (c *Config) PoolConfig() region.PoolConfig {
	return region.PoolConfig{
		Workers:   c.Generation.Workers,
		QueueSize: c.Generation.QueueSize,
	}
}
