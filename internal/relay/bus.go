package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/models"
)

// ErrUnsupportedEvent is returned for event names the relay does not handle.
var ErrUnsupportedEvent = errors.New("unsupported event")

// Handler processes one lifecycle event. It reports what happened through
// the returned Outcome instead of an error.
type Handler func(ctx context.Context, ev models.CommerceEvent) Outcome

// Bus routes events to the handlers subscribed to their name.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{handlers: make(map[string][]Handler), logger: logger}
}

// Subscribe registers h for name, which must be one of
// models.SupportedEvents.
func (b *Bus) Subscribe(name string, h Handler) error {
	if !slices.Contains(models.SupportedEvents, name) {
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, name)
	}
	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], h)
	b.mu.Unlock()
	return nil
}

// Subscribed reports whether any handler is registered for name.
func (b *Bus) Subscribed(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name]) > 0
}

// Publish runs every handler subscribed to ev.Name and returns their
// outcomes in subscription order. A panicking handler yields a failed
// outcome; the remaining handlers still run.
func (b *Bus) Publish(ctx context.Context, ev models.CommerceEvent) ([]Outcome, error) {
	b.mu.RLock()
	handlers := slices.Clone(b.handlers[ev.Name])
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Name)
	}

	outcomes := make([]Outcome, 0, len(handlers))
	for _, h := range handlers {
		outcomes = append(outcomes, b.run(ctx, h, ev))
	}
	return outcomes, nil
}

func (b *Bus) run(ctx context.Context, h Handler, ev models.CommerceEvent) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", ev.Name),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
			out = Outcome{
				Event:   ev.Name,
				EventID: ev.ID,
				Stage:   StagePanic,
				Status:  StatusFailed,
				Err:     fmt.Errorf("handler panic: %v", r),
			}
		}
	}()
	return h(ctx, ev)
}
