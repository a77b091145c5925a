package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the telemetry settings of one tickd process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr, discard or a file path.
	Output string `validate:"required"`

	EnableCaller bool

	// Sampling limits per-second log volume. Stage callbacks log from many
	// goroutines at tick rate, so a noisy manager is throttled here rather
	// than at each call site.
	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`

	// TimeFormat is unix, unixms, unixmicro or rfc3339.
	TimeFormat string
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `validate:"required_if=Exporter otlp"`

	// TickSampleEvery traces one tick in every N. Child spans (stages,
	// generation) follow their tick. Zero or one traces every tick.
	TickSampleEvery uint64

	// StageSpans adds one child span per stage to each sampled tick.
	StageSpans bool

	MaxExportBatchSize int           `validate:"gte=0"`
	ExportTimeout      time.Duration `validate:"gte=0"`
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"required_if=Enabled true"`
	Namespace     string `validate:"required"`

	// DefaultHistogramBuckets are latency buckets in seconds. Ticks run at
	// tens of hertz, so the defaults are sub-second.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled       bool
	BufferSize    int `validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration
	MaxBatchSize  int `validate:"gte=0"`

	// EnableAsync delivers events from a background goroutine so the tick
	// never waits on subscribers.
	EnableAsync bool
}

var validate = validator.New()

// DefaultConfig returns the configuration tickd starts from.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tickstage",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			TickSampleEvery:    100,
			StageSpans:         true,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "tickstage",
			DefaultHistogramBuckets: []float64{
				0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// NopConfig returns a configuration with every sink disabled. Used by tests
// and by library callers that bring no telemetry of their own.
func NopConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Output = "discard"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableCaller = false
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	return cfg
}

// Validate checks the configuration against its field rules.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(fields, ", "))
}
