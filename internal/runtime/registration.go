package runtime

import (
	"github.com/drblury/courier/internal/runtime/consumer"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

// HandlerRegistration wires a plain consumer.Handler without typed helpers.
// Empty Topic, Group and Concurrency fall back to the registry defaults.
type HandlerRegistration struct {
	HandlerType string
	MessageType string
	Topic       string
	Group       string
	Concurrency int
	// Factory builds a handler per message. Handler is used as a singleton
	// when Factory is nil.
	Factory consumer.HandlerFactory
	Handler consumer.Handler
}

// RegisterHandler adds the registration to the service registry.
func RegisterHandler(svc *Service, cfg HandlerRegistration) (consumer.Metadata, error) {
	if svc == nil {
		return consumer.Metadata{}, errspkg.ErrServiceRequired
	}
	factory := cfg.Factory
	if factory == nil && cfg.Handler != nil {
		factory = consumer.Singleton(cfg.Handler)
	}
	return svc.register(cfg.HandlerType, cfg.MessageType, factory, cfg.Topic, cfg.Group, cfg.Concurrency)
}

func (s *Service) register(handlerType, messageType string, factory consumer.HandlerFactory, topic, group string, concurrency int) (consumer.Metadata, error) {
	var opts []consumer.Option
	if topic != "" {
		opts = append(opts, consumer.WithTopic(topic))
	}
	if group != "" {
		opts = append(opts, consumer.WithGroup(group))
	}
	if concurrency != 0 {
		opts = append(opts, consumer.WithConcurrency(concurrency))
	}

	md, err := s.registry.Register(handlerType, messageType, factory, opts...)
	if err != nil {
		return consumer.Metadata{}, err
	}
	s.Logger.Debug("Registered consumer", loggingpkg.LogFields{
		"consumer": md.Name,
		"topic":    md.Topic,
		"group":    md.Group,
	})
	return md, nil
}
