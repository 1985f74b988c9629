package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("enrichflow: stage service is required")
	ErrHandlerRequired      = sterrors.New("enrichflow: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("enrichflow: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("enrichflow: handler name is required")
	ErrPublisherRequired    = sterrors.New("enrichflow: publisher is required")
	ErrTopicRequired        = sterrors.New("enrichflow: topic is required")
	ErrConfigRequired       = sterrors.New("enrichflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("enrichflow: logger is required")
	ErrPayloadRequired      = sterrors.New("enrichflow: record payload is required")
)

// Failure taxonomy of the enrichment stage. Components wrap these so callers
// can branch with errors.Is regardless of the concrete error type.
var (
	// ErrMalformedPayload marks a message whose payload is not a JSON object.
	// The message is dropped (or dead-lettered) and never retried.
	ErrMalformedPayload = sterrors.New("enrichflow: malformed payload")

	// ErrLookupFailure marks a failed call to the air-quality provider. The
	// message fails and redelivery is left to the transport.
	ErrLookupFailure = sterrors.New("enrichflow: air quality lookup failed")

	// ErrTelemetryFailure marks a telemetry entry that could not be written.
	// It is logged and swallowed.
	ErrTelemetryFailure = sterrors.New("enrichflow: telemetry emission failed")
)
