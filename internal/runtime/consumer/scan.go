package consumer

import "fmt"

// Registration is a static table row describing one consumer. Zero
// Concurrency uses the registry default.
type Registration struct {
	HandlerType string
	MessageType string
	Factory     HandlerFactory
	Topic       string
	Group       string
	Concurrency int
}

// Module contributes a set of consumers, typically one per feature package.
type Module interface {
	Consumers() []Registration
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func() []Registration

func (f ModuleFunc) Consumers() []Registration { return f() }

// Scan registers every consumer the modules declare. It stops at the first
// invalid row.
func (r *Registry) Scan(modules ...Module) error {
	for _, m := range modules {
		if m == nil {
			continue
		}
		for _, row := range m.Consumers() {
			opts := []Option{WithTopic(row.Topic), WithGroup(row.Group)}
			if row.Concurrency != 0 {
				opts = append(opts, WithConcurrency(row.Concurrency))
			}
			if _, err := r.Register(row.HandlerType, row.MessageType, row.Factory, opts...); err != nil {
				return fmt.Errorf("scan %s.%s: %w", row.HandlerType, row.MessageType, err)
			}
		}
	}
	return nil
}
