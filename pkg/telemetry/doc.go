// Package telemetry provides observability instrumentation for the tick engine.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring a running simulation.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - One span per tick with a child span per stage
//  3. Metrics Collection - Prometheus metrics for tick, stage and generation timing
//  4. Event Publishing - Async event system for manager failures and update storms
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if _, err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Library callers and tests that do not care about telemetry use Nop:
//
//	tel := telemetry.Nop()
//
// # Structured Logging
//
// The logger carries tick coordinates as fields:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger.WithTick(42).WithStage("physics").WithManager("region:0,0").
//	    WithError(err).Error("Manager callback failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
//	ctx, tickSpan := tel.Tracer.StartTickSpan(ctx, tick, runID)
//	defer tickSpan.End()
//
//	ctx, stageSpan := tel.Tracer.StartStageSpan(ctx, "lighting")
//	defer stageSpan.End()
//
// Supported exporters: otlp (gRPC), stdout, none. Root tick spans are sampled
// by tick number (TracingConfig.TickSampleEvery); stage and generation spans
// started under a tick follow its decision.
//
// # Metrics
//
// All Metrics methods are safe to call when metrics are disabled. Metrics are
// exposed at /metrics on the configured listen address:
//
//	tel.Metrics.RecordStage("physics", buckets, elapsed)
//	tel.Metrics.RecordConvergence(updates, passes, storm)
//	tel.Metrics.RecordGeneration("complete", elapsed)
//
// # Events
//
//	tel.Events.Subscribe(
//	    telemetry.LogEvents(tel.Logger),
//	    telemetry.FilterByLevel(telemetry.EventLevelWarning),
//	)
//
//	_ = tel.Events.PublishUpdateStorm(tick, updates, threshold)
package telemetry
