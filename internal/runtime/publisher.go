package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	idspkg "github.com/birdtrack/enrichflow/internal/runtime/ids"
	metadatapkg "github.com/birdtrack/enrichflow/internal/runtime/metadata"
)

// RecordPublisher injects raw JSON records onto the bus.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, topic string, payload []byte, metadata metadatapkg.Metadata) error
}

// NewRecordMessage wraps a JSON record in a Watermill message with a fresh
// ULID, the caller's attributes, the JSON content type and the enqueue time
// used for lag estimates. The payload is not validated so malformed records
// can be injected on purpose.
func NewRecordMessage(payload []byte, metadata metadatapkg.Metadata) (*message.Message, error) {
	if len(payload) == 0 {
		return nil, errspkg.ErrPayloadRequired
	}

	now := time.Now()
	msg := message.NewMessage(idspkg.CreateULIDAt(now), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	if msg.Metadata.Get(metadatapkg.KeyContentType) == "" {
		msg.Metadata.Set(metadatapkg.KeyContentType, metadatapkg.ContentTypeJSON)
	}
	msg.Metadata.Set(metadatapkg.KeyEnqueuedAt, now.UTC().Format(time.RFC3339Nano))
	return msg, nil
}

// PublishRecord publishes one record to topic.
func PublishRecord(ctx context.Context, publisher message.Publisher, topic string, payload []byte, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewRecordMessage(payload, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishRecord publishes through the service transport, e.g. to feed the
// consume queue from the CLI.
func (s *Service) PublishRecord(ctx context.Context, topic string, payload []byte, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("enrichment service is nil")
	}
	return PublishRecord(ctx, s.publisher, topic, payload, metadata)
}
