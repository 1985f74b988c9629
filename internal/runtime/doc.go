// Package runtime hosts the enrichment stage on a Watermill router.
//
// A Service owns the bus (built from the transport registry selected by
// PubSubSystem), the router and the default middleware chain:
//
//	correlation id -> message logging -> tracing -> router metrics
//	  -> retry (never for malformed payloads) -> poison queue -> recoverer
//
// Handlers are registered with RegisterMessageHandler and wrapped with
// HandlerStats, which the optional status API serves as JSON. Malformed
// payloads are acked and either published to PoisonQueue or logged and
// dropped when no poison queue is configured; every other handler error
// nacks the message after the retry budget so the bus can redeliver it.
//
// Typical usage:
//
//	svc, err := runtime.TryNewService(cfg, logger, ctx, runtime.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	err = runtime.RegisterMessageHandler(svc, runtime.MessageHandlerRegistration{
//		Name:         "enrich-northeast",
//		ConsumeQueue: cfg.ConsumeQueue,
//		PublishQueue: cfg.PublishQueue,
//		Handler:      transform.Handler(),
//	})
//	if err != nil {
//		return err
//	}
//	return svc.Start(ctx)
package runtime
