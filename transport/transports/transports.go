// Package transports registers every built-in bus with the default registry.
// Import it for side effects.
package transports

import (
	_ "github.com/birdtrack/enrichflow/transport/aws"
	_ "github.com/birdtrack/enrichflow/transport/channel"
	_ "github.com/birdtrack/enrichflow/transport/http"
	_ "github.com/birdtrack/enrichflow/transport/kafka"
	_ "github.com/birdtrack/enrichflow/transport/nats"
	_ "github.com/birdtrack/enrichflow/transport/rabbitmq"
)
