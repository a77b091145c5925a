package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tickstage.yaml")
	if err := os.WriteFile(path, []byte("tick:\n  rate: 50ms\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	w := NewWatcher(path, 20*time.Millisecond, zerolog.Nop())
	if err := w.Watch(ctx, func(c *Config) error {
		got <- c
		return nil
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// An invalid change is skipped.
	if err := os.WriteFile(path, []byte("tick:\n  rate: 0s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	select {
	case c := <-got:
		t.Fatalf("Expected invalid config to be skipped, got %+v", c.Tick)
	default:
	}

	if err := os.WriteFile(path, []byte("tick:\n  rate: 200ms\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Tick.Rate != 200*time.Millisecond {
			t.Errorf("Expected 200ms, got %s", c.Tick.Rate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected a reload")
	}
	deadline := time.Now().Add(time.Second)
	for w.Reloads() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.Reloads() < 1 {
		t.Errorf("Expected at least 1 reload, got %d", w.Reloads())
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "nope", "tickstage.yaml"), 0, zerolog.Nop())
	if err := w.Watch(context.Background(), func(*Config) error { return nil }); err == nil {
		t.Error("Expected error watching a missing directory")
	}
}
