package runtime

import (
	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	handlerpkg "github.com/drblury/courier/internal/runtime/handlers"
)

// JSONHandlerRegistration describes a typed JSON consumer. T must be a
// pointer type. Outputs the handler returns are published through the
// service outbox.
type JSONHandlerRegistration[T any] struct {
	HandlerType string
	MessageType string
	Topic       string
	Group       string
	Concurrency int
	Handler     handlerpkg.JSONMessageHandler[T]
}

// RegisterJSONHandler converts the typed JSON handler into a consumer and registers it.
func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) (consumer.Metadata, error) {
	if svc == nil {
		return consumer.Metadata{}, errspkg.ErrServiceRequired
	}

	factory, err := handlerpkg.JSON(cfg.Handler, svc.handlerOptions())
	if err != nil {
		return consumer.Metadata{}, err
	}
	return svc.register(cfg.HandlerType, cfg.MessageType, factory, cfg.Topic, cfg.Group, cfg.Concurrency)
}

func (s *Service) handlerOptions() handlerpkg.Options {
	return handlerpkg.Options{Logger: s.Logger, Emitter: s}
}
