// Package nats provides the NATS Core bus via watermill-nats.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/birdtrack/enrichflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// QueueGroupPrefix makes stage replicas share subjects instead of each
// receiving every record.
const QueueGroupPrefix = "enrichflow"

// ReconnectWait is the pause between reconnect attempts.
const ReconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// ConnectOptions returns the nats.go options shared by publisher and
// subscriber: a client name for server-side monitoring and unlimited
// reconnects so a broker restart does not stop the stage.
func ConnectOptions(cfg transport.Config) []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(ReconnectWait),
	}
	if name := cfg.GetNATSClientName(); name != "" {
		opts = append(opts, natsgo.Name(name))
	}
	return opts
}

// Build creates a NATS Core transport. Attributes travel as NATS headers.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &wmnats.NATSMarshaler{}
	opts := ConnectOptions(cfg)
	core := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		wmnats.PublisherConfig{
			URL:         url,
			NatsOptions: opts,
			Marshaler:   marshaler,
			JetStream:   core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:              url,
			NatsOptions:      opts,
			QueueGroupPrefix: QueueGroupPrefix,
			Unmarshaler:      marshaler,
			JetStream:        core,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
