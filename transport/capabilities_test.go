package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, want: true},
		{name: "ack only", caps: Capabilities{SupportsAck: true}, want: false},
		{name: "nothing", caps: Capabilities{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestCapabilities_RequiresDLQEmulation(t *testing.T) {
	assert.False(t, RabbitMQCapabilities.RequiresDLQEmulation())
	assert.False(t, AWSCapabilities.RequiresDLQEmulation())
	assert.True(t, KafkaCapabilities.RequiresDLQEmulation())
	assert.True(t, ChannelCapabilities.RequiresDLQEmulation())
}

func TestCapabilities_Fits(t *testing.T) {
	assert.True(t, HTTPCapabilities.Fits(10<<20), "unknown limit accepts anything")
	assert.True(t, AWSCapabilities.Fits(262144))
	assert.False(t, AWSCapabilities.Fits(262145))
}

func TestPredefinedCapabilities(t *testing.T) {
	all := []Capabilities{
		ChannelCapabilities,
		KafkaCapabilities,
		RabbitMQCapabilities,
		NATSCapabilities,
		AWSCapabilities,
		HTTPCapabilities,
	}
	seen := map[string]bool{}
	for _, caps := range all {
		assert.NotEmpty(t, caps.Name)
		assert.False(t, seen[caps.Name], "duplicate capability name %s", caps.Name)
		seen[caps.Name] = true
	}
	assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.False(t, NATSCapabilities.SupportsReliableDelivery())
}
