// Package config loads tickstage configuration from YAML.
//
// Load applies a file on top of Defaults and validates the result with
// go-playground/validator. Converters turn a Config into the settings the
// engine, telemetry and stores packages take. A Watcher delivers reloaded
// configurations after the file changes on disk; only the tick rate and
// update threshold are meant to change while running.
//
// Example file:
//
//	tick:
//	  rate: 50ms
//	  update_threshold: 4096
//	region:
//	  chunks_per_side: 8
//	  section_width: 4
//	store:
//	  driver: badger
//	  path: ./data
package config
