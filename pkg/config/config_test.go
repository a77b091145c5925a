package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/tickstage/pkg/engine"
)

func TestDefaults_Valid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "empty keeps defaults",
			yaml: "",
			check: func(t *testing.T, c *Config) {
				if c.Tick.Rate != 50*time.Millisecond {
					t.Errorf("Expected 50ms, got %s", c.Tick.Rate)
				}
			},
		},
		{
			name: "overrides",
			yaml: `
tick:
  rate: 100ms
  update_threshold: 10
region:
  chunks_per_side: 16
  section_width: 8
store:
  driver: memory
  path: ""
`,
			check: func(t *testing.T, c *Config) {
				if c.Tick.Rate != 100*time.Millisecond {
					t.Errorf("Expected 100ms, got %s", c.Tick.Rate)
				}
				if c.Tick.UpdateThreshold != 10 {
					t.Errorf("Expected threshold 10, got %d", c.Tick.UpdateThreshold)
				}
				if c.Region.ChunksPerSide != 16 || c.Region.SectionWidth != 8 {
					t.Errorf("Unexpected region config %+v", c.Region)
				}
				if c.Tick.SequenceCount != 8 {
					t.Errorf("Expected default sequence count, got %d", c.Tick.SequenceCount)
				}
			},
		},
		{
			name:    "section width not a power of two",
			yaml:    "region:\n  chunks_per_side: 12\n  section_width: 3\n",
			wantErr: "pow2",
		},
		{
			name:    "section width does not divide",
			yaml:    "region:\n  chunks_per_side: 12\n  section_width: 8\n",
			wantErr: "must divide",
		},
		{
			name:    "unknown driver",
			yaml:    "store:\n  driver: postgres\n",
			wantErr: "oneof",
		},
		{
			name:    "path required for sqlite",
			yaml:    "store:\n  driver: sqlite\n  path: \"\"\n",
			wantErr: "required_unless",
		},
		{
			name:    "metrics address required",
			yaml:    "telemetry:\n  metrics_enabled: true\n  metrics_address: \"\"\n",
			wantErr: "required_if",
		},
		{
			name:    "otlp needs endpoint",
			yaml:    "telemetry:\n  tracing_enabled: true\n  tracing_exporter: otlp\n",
			wantErr: "tracing_endpoint",
		},
		{
			name:    "too few sequence buckets",
			yaml:    "tick:\n  sequence_count: 2\n",
			wantErr: "sequence_count",
		},
		{
			name:    "unknown field",
			yaml:    "tick:\n  speed: 3\n",
			wantErr: "failed to parse",
		},
		{
			name:    "bad duration",
			yaml:    "tick:\n  rate: fast\n",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestValidate_ErrorCode(t *testing.T) {
	cfg := Defaults()
	cfg.Tick.Rate = 0
	err := cfg.Validate()
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation code, got %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Error("Expected permanent error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickstage.yaml")
	if err := os.WriteFile(path, []byte("world:\n  name: nether\n  seed: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.World.Name != "nether" || cfg.World.Seed != 9 {
		t.Errorf("Unexpected world config %+v", cfg.World)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestMarshal_RoundTripsThroughParse(t *testing.T) {
	cfg := Defaults()
	cfg.Tick.Rate = 75 * time.Millisecond
	cfg.Store.Driver = "badger"

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.Tick.Rate != cfg.Tick.Rate || got.Store.Driver != "badger" {
		t.Errorf("Expected rate %s driver badger, got %s %s", cfg.Tick.Rate, got.Tick.Rate, got.Store.Driver)
	}
}

func TestConverters(t *testing.T) {
	cfg := Defaults()
	cfg.Tick.Workers = 3
	cfg.Tick.UpdateThreshold = 99
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "stdout"

	s := cfg.Settings()
	if s.Workers != 3 || s.UpdateThreshold != 99 || s.TickRate != cfg.Tick.Rate {
		t.Errorf("Unexpected settings %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Expected settings to validate, got %v", err)
	}

	tc := cfg.TelemetryConfig()
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" {
		t.Errorf("Unexpected tracing config %+v", tc.Tracing)
	}
	if tc.Metrics.ListenAddress != ":9090" {
		t.Errorf("Expected :9090, got %s", tc.Metrics.ListenAddress)
	}

	cfg.Telemetry.TracingExporter = "none"
	if cfg.TelemetryConfig().Tracing.Enabled {
		t.Error("Expected tracing disabled for the none exporter")
	}

	wc := cfg.WorldConfig()
	if wc.Sequences != 8 || wc.ChunksPerSide != 8 || wc.Name != "overworld" {
		t.Errorf("Unexpected world config %+v", wc)
	}
	if err := wc.Validate(); err != nil {
		t.Errorf("Expected world config to validate, got %v", err)
	}
	if pc := cfg.PoolConfig(); pc.QueueSize != 256 {
		t.Errorf("Expected queue size 256, got %d", pc.QueueSize)
	}

	opts := cfg.StoreOptions(nil)
	if opts.Driver != "sqlite" || opts.Path != "tickstage.db" {
		t.Errorf("Unexpected store options %+v", opts)
	}
}
