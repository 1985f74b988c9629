package transport

// Capabilities describes the delivery guarantees of a bus. The runtime uses it
// to warn when failed lookups cannot be redelivered, and the status API
// reports it to operators.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsNativeDLQ means the broker routes rejected messages itself.
	// Otherwise malformed records go to the configured poison queue.
	SupportsNativeDLQ bool `json:"supports_native_dlq"`

	// SupportsOrdering means delivery order is kept within a partition/queue.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsTracing means message headers survive the hop, so correlation
	// ids and trace context reach the next stage.
	SupportsTracing bool `json:"supports_tracing"`

	SupportsAck  bool `json:"supports_ack"`
	SupportsNack bool `json:"supports_nack"`

	SupportsPartitioning bool `json:"supports_partitioning"`

	// MaxMessageSize in bytes, 0 when unknown or unlimited.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`
}

// RequiresDLQEmulation reports whether poison routing happens in the stage.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics (ack + nack).
// Without it a failed lookup is lost instead of redelivered.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities looks up a transport in the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
