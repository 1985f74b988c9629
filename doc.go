// Package enrichflow runs one stage of the bird-migration pipeline: it
// consumes position reports from a bus, appends the current air quality for
// a configured city, stamps the stage's arrival time, reports how long the
// record has been travelling and forwards it with its attributes intact.
//
// The bus is a Watermill router hosted by Service. The transport (channel,
// Kafka, RabbitMQ, NATS, AWS SNS/SQS or HTTP) is chosen by
// Config.PubSubSystem; everything else about a stage is configuration, so
// the same binary serves every region:
//
//	cfg, err := enrichflow.LoadConfig("")
//	if err != nil { ... }
//	stage, err := enrichflow.NewStage(ctx, cfg, logger, enrichflow.ServiceDependencies{})
//	if err != nil { ... }
//	defer stage.Close()
//	return stage.Run(ctx)
//
// # Failure handling
//
// Records that are not JSON objects go to Config.PoisonQueue, or are logged
// and dropped when no poison queue is set. They never trigger a lookup.
// Failed air-quality lookups are retried by the router and then returned to
// the transport so the bus can redeliver. Telemetry failures are logged and
// never hold a record back.
//
// # Middleware
//
// The default chain, outermost first: correlation id, debug message logging,
// OpenTelemetry tracing, Prometheus router metrics, retry with exponential
// backoff, poison queue, panic recovery. NewStage adds job hooks that log
// each record at debug level.
package enrichflow
