package notify

import (
	"sync"

	"github.com/rickgao/exchange-core/internal/model"
)

// Sink accepts events for delivery. Publish must not block on slow consumers.
type Sink interface {
	Publish(events ...model.Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(...model.Event) {}

// Collector keeps every published event in memory.
type Collector struct {
	mu     sync.Mutex
	events []model.Event
}

// Publish appends events.
func (c *Collector) Publish(events ...model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

// Events returns a copy of everything published so far.
func (c *Collector) Events() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

// OfType returns published events of typ.
func (c *Collector) OfType(typ model.EventType) []model.Event {
	var out []model.Event
	for _, e := range c.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets collected events.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// Tee publishes to every sink in order.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Publish(events ...model.Event) {
	for _, s := range t {
		s.Publish(events...)
	}
}
