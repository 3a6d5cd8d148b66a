// Package telemetry provides the observability stack of the simulation
// client: structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an in-process event publisher for execution lifecycle
// events.
//
// # Usage
//
// A host process builds one Telemetry and hands it to the workspace:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Every part is safe to use when disabled. A nil *Metrics records nothing,
// NopTracer returns spans that are never exported and a disabled
// EventPublisher drops every event. NopTelemetry bundles all three.
//
// # Logging
//
// Components take the zerolog logger and tag it with their name:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "lifecycle").Logger()
//
// # Tracing
//
// Spans cover resolution, submission, polling, waiting and cancellation.
// Exporters are "otlp" (gRPC) and "stdout". Work on one execution runs as an
// Operation, whose logger carries the execution and trace ids:
//
//	op := telemetry.StartExecutionOperation(ctx, tel.Tracer, logger, "wait", id)
//	snap, err := wait(op.Ctx)
//	op.End(err)
//
// # Metrics
//
// Metrics live in their own registry and are exposed by StartMetricsServer
// or mounted with Handler. All names carry the configured namespace, for
// example impactsim_polls_total{state="running"}.
//
// # Events
//
// The lifecycle publishes submitted, progress, finished, timeout and
// cancellation events; the workspace publishes policy violations.
// Subscribers receive events synchronously unless EnableAsync is set:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.ExecutionID)
//	}, telemetry.FilterByType(telemetry.EventTypeExecutionFinished))
package telemetry
