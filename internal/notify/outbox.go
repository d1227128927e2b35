package notify

import (
	"github.com/rickgao/exchange-core/internal/metrics"
	"github.com/rickgao/exchange-core/internal/model"
)

// Outbox is the daemon's Sink: events queue here until the Feed drains them.
type Outbox struct {
	buf     *Buffer[model.Event]
	metrics *metrics.Metrics
}

// NewOutbox creates an outbox with the given initial capacity.
func NewOutbox(size int, m *metrics.Metrics) *Outbox {
	return &Outbox{buf: NewBuffer[model.Event](size), metrics: m}
}

// Publish enqueues events. Events published after Close are dropped.
func (o *Outbox) Publish(events ...model.Event) {
	n := 0
	for _, e := range events {
		if o.buf.Push(e) {
			n++
		}
	}
	o.metrics.EventsPublished(n)
}

// Next blocks for the next event. Returns false when closed and empty.
func (o *Outbox) Next() (model.Event, bool) {
	return o.buf.Pop()
}

// Pending returns the number of undelivered events.
func (o *Outbox) Pending() int {
	return o.buf.Len()
}

// Close stops accepting events.
func (o *Outbox) Close() {
	o.buf.Close()
}
