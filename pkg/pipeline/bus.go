package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// eventBus is a minimal, typed pub/sub wrapper over
// github.com/asaskevich/EventBus, adapted from the teacher's
// pkg/event_bus.AugurEventBus: the same JSON-over-a-string-argument
// bridge, narrowed to one input and one output type per bus instead of
// two independent type parameters, since a pipeline stage here always
// republishes the same shape it consumed.
type eventBus[T any] struct {
	bus    EventBus.Bus
	logger *zap.Logger
}

func newEventBus[T any](bus EventBus.Bus, logger *zap.Logger) *eventBus[T] {
	return &eventBus[T]{bus: bus, logger: logger}
}

// Subscribe registers an asynchronous handler for topic. Unmarshal
// failures and handler errors are logged and swallowed: a malformed event
// must not take down the publishing goroutine.
func (b *eventBus[T]) Subscribe(topic string, handler func(T) error) error {
	return b.bus.SubscribeAsync(topic, func(arg string) {
		var input T
		if err := json.Unmarshal([]byte(arg), &input); err != nil {
			b.logger.Error("failed to unmarshal pipeline event",
				zap.String("topic", topic), zap.Error(err))
			return
		}
		if err := handler(input); err != nil {
			b.logger.Error("pipeline event handler failed",
				zap.String("topic", topic), zap.Error(err))
		}
	}, true)
}

// Publish marshals arg and publishes it on topic.
func (b *eventBus[T]) Publish(topic string, arg T) error {
	argBytes, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("marshaling pipeline event for topic %s: %w", topic, err)
	}
	b.bus.Publish(topic, string(argBytes))
	return nil
}
