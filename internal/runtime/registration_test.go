package runtime

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
	idspkg "github.com/birdtrack/enrichflow/internal/runtime/ids"
)

func TestRegisterMessageHandlerRequiresService(t *testing.T) {
	err := RegisterMessageHandler(nil, MessageHandlerRegistration{})
	assert.ErrorIs(t, err, errspkg.ErrServiceRequired)
}

func TestRegisterMessageHandlerRegistersHandler(t *testing.T) {
	svc := newTestService(t)
	err := RegisterMessageHandler(svc, MessageHandlerRegistration{
		Name:         "enrich",
		ConsumeQueue: "start_migration",
		PublishQueue: "depart_ne",
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	_, ok := svc.router.Handlers()["enrich"]
	assert.True(t, ok, "handler not registered")

	handlers := svc.Handlers()
	require.Len(t, handlers, 1)
	assert.Equal(t, "enrich", handlers[0].Name)
	assert.Equal(t, "start_migration", handlers[0].ConsumeQueue)
	assert.Equal(t, "depart_ne", handlers[0].PublishQueue)
	assert.NotNil(t, handlers[0].Stats)
}

func TestRegisterMessageHandlerWithoutPublishQueue(t *testing.T) {
	svc := newTestService(t)
	called := false
	err := RegisterMessageHandler(svc, MessageHandlerRegistration{
		Name:         "sink",
		ConsumeQueue: "depart_ne",
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			called = true
			return nil, nil
		},
	})
	require.NoError(t, err)

	handler, ok := svc.router.Handlers()["sink"]
	require.True(t, ok, "no-publisher handler not registered")
	_, err = handler(message.NewMessage(idspkg.CreateULID(), []byte("{}")))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRegisterMessageHandlerValidatesInput(t *testing.T) {
	svc := newTestService(t)
	noop := func(msg *message.Message) ([]*message.Message, error) { return nil, nil }

	tests := []struct {
		name string
		reg  MessageHandlerRegistration
		err  string
	}{
		{
			name: "missing handler",
			reg:  MessageHandlerRegistration{Name: "test", ConsumeQueue: "queue"},
			err:  "enrichflow: handler function is required",
		},
		{
			name: "missing consume queue",
			reg:  MessageHandlerRegistration{Name: "test", Handler: noop},
			err:  "enrichflow: consume queue is required",
		},
		{
			name: "missing name",
			reg:  MessageHandlerRegistration{ConsumeQueue: "queue", Handler: noop},
			err:  "enrichflow: handler name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RegisterMessageHandler(svc, tt.reg)
			require.Error(t, err)
			assert.Equal(t, tt.err, err.Error())
		})
	}
	assert.Empty(t, svc.Handlers())
}

func TestWrapHandlerWithStatsRecordsOutcome(t *testing.T) {
	stats := newHandlerStats("in", "out", newResourceTracker())
	handler := wrapHandlerWithStats(func(msg *message.Message) ([]*message.Message, error) {
		if string(msg.Payload) == "bad" {
			return nil, errMalformed
		}
		return []*message.Message{msg}, nil
	}, stats, defaultErrorClassifier)

	_, err := handler(message.NewMessage(idspkg.CreateULID(), []byte("{}")))
	require.NoError(t, err)
	_, err = handler(message.NewMessage(idspkg.CreateULID(), []byte("bad")))
	require.Error(t, err)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, uint64(2), stats.MessagesProcessed)
	assert.Equal(t, uint64(1), stats.Errors.Validation)
}
