package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/birdtrack/enrichflow/internal/runtime/errors"
)

// MessageHandlerRegistration wires a raw Watermill handler between a
// consume and a publish queue. Subscriber and Publisher default to the
// service transport; an empty PublishQueue registers a sink.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

func (r MessageHandlerRegistration) validate() error {
	switch {
	case r.Handler == nil:
		return errspkg.ErrHandlerRequired
	case r.ConsumeQueue == "":
		return errspkg.ErrConsumeQueueRequired
	case r.Name == "":
		return errspkg.ErrHandlerNameRequired
	}
	return nil
}

// RegisterMessageHandler attaches reg to the service router and starts
// collecting its statistics.
func RegisterMessageHandler(svc *Service, reg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if err := reg.validate(); err != nil {
		return err
	}

	sub := reg.Subscriber
	if sub == nil {
		sub = svc.subscriber
	}
	pub := reg.Publisher
	if pub == nil {
		pub = svc.publisher
	}

	stats := newHandlerStats(reg.ConsumeQueue, reg.PublishQueue, svc.getResourceTracker())
	svc.handlersMu.Lock()
	svc.handlers = append(svc.handlers, &HandlerInfo{
		Name:         reg.Name,
		ConsumeQueue: reg.ConsumeQueue,
		PublishQueue: reg.PublishQueue,
		Stats:        stats,
	})
	svc.handlersMu.Unlock()

	handler := wrapHandlerWithStats(reg.Handler, stats, svc.getErrorClassifier())
	if reg.PublishQueue == "" {
		svc.router.AddNoPublisherHandler(reg.Name, reg.ConsumeQueue, sub, func(msg *message.Message) error {
			_, err := handler(msg)
			return err
		})
		return nil
	}
	svc.router.AddHandler(reg.Name, reg.ConsumeQueue, sub, reg.PublishQueue, pub, handler)
	return nil
}

// Handlers returns the registered handlers with their live statistics.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return append([]*HandlerInfo(nil), s.handlers...)
}

func wrapHandlerWithStats(handler message.HandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.HandlerFunc {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return func(msg *message.Message) ([]*message.Message, error) {
		depth, lag := stats.begin(msg)
		start := time.Now()
		msgs, err := handler(msg)
		stats.end(depth, lag, time.Since(start), err, classifier(err))
		return msgs, err
	}
}
