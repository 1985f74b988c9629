package metadata

// Reserved attribute keys. Everything else on an envelope belongs to the
// upstream producer and is forwarded untouched.
const (
	// KeyCorrelationID ties an inbound record to the messages derived from it.
	KeyCorrelationID = "correlation_id"

	// KeyQueueDepth indicates queue depth at time of enqueue.
	KeyQueueDepth = "enrichflow_queue_depth"

	// KeyEnqueuedAt records when a message was enqueued (RFC3339Nano).
	KeyEnqueuedAt = "enrichflow_enqueued_at"

	// KeyContentType is set on records injected by PublishRecord.
	KeyContentType = "content_type"

	// KeyLogName carries the telemetry stream name (the record uuid).
	KeyLogName = "log_name"

	// KeyStage names the stage that produced a telemetry line.
	KeyStage = "stage"

	// KeyPoisonReason holds the error that sent a message to the poison queue.
	KeyPoisonReason = "poison_reason"
)

// ContentTypeJSON is the content type of bird records.
const ContentTypeJSON = "application/json"
