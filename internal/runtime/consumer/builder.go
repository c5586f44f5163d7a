package consumer

// Builder registers one consumer fluently:
//
//	reg.Consumer("OrderHandler", "order.created", factory).
//		Group("billing").
//		WithConcurrency(4).
//		Build()
type Builder struct {
	registry    *Registry
	handlerType string
	messageType string
	factory     HandlerFactory
	opts        []Option
}

// Consumer starts a registration of messageType handled by handlerType.
func (r *Registry) Consumer(handlerType, messageType string, factory HandlerFactory) *Builder {
	return &Builder{registry: r, handlerType: handlerType, messageType: messageType, factory: factory}
}

func (b *Builder) Topic(name string) *Builder {
	b.opts = append(b.opts, WithTopic(name))
	return b
}

func (b *Builder) Group(name string) *Builder {
	b.opts = append(b.opts, WithGroup(name))
	return b
}

func (b *Builder) WithConcurrency(n int) *Builder {
	b.opts = append(b.opts, WithConcurrency(n))
	return b
}

// Build validates and registers the consumer.
func (b *Builder) Build() (Metadata, error) {
	return b.registry.Register(b.handlerType, b.messageType, b.factory, b.opts...)
}
