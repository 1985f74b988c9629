// Package transport adapts the transport registry to the runtime's Config.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/birdtrack/enrichflow/internal/runtime/config"
	bus "github.com/birdtrack/enrichflow/transport"
	_ "github.com/birdtrack/enrichflow/transport/transports"
)

// Transport is a built bus plus what it guarantees.
type Transport struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities bus.Capabilities
}

// Factory abstracts how the runtime initialises its bus.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory builds from the default registry, which holds every
// built-in transport.
func DefaultFactory() Factory {
	return RegistryFactory(bus.DefaultRegistry)
}

// RegistryFactory builds from the given registry.
func RegistryFactory(registry *bus.Registry) Factory {
	return FactoryFunc(func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
		if conf == nil {
			return Transport{}, errors.New("config is required")
		}
		t, err := registry.Build(ctx, conf, logger)
		if err != nil {
			return Transport{}, err
		}
		return Transport{
			Publisher:    t.Publisher,
			Subscriber:   t.Subscriber,
			Capabilities: registry.GetCapabilities(nameOrDefault(conf.PubSubSystem)),
		}, nil
	})
}

func nameOrDefault(name string) string {
	if name == "" {
		return "channel"
	}
	return name
}
