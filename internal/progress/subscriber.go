package progress

import (
	"go.uber.org/zap"

	"github.com/artemis/web-migrate/internal/events"
	"github.com/artemis/web-migrate/internal/observability"
)

// subscriberBuffer bounds each subscriber's event queue
const subscriberBuffer = 256

// Subscribe registers fn to receive every event. Delivery is
// asynchronous through a bounded queue; when the queue is full the
// oldest queued event is dropped so the tracker never blocks. A
// panicking subscriber does not abort the tracker. The returned
// function unsubscribes.
func (t *Tracker) Subscribe(fn func(Event)) func() {
	return t.bus.Subscribe(fn)
}

// publish queues ev for every subscriber without blocking
func (t *Tracker) publish(ev Event) {
	t.bus.Publish(ev)
}

func newEventBus(log *observability.Logger, metrics *observability.Metrics) *events.Bus[Event] {
	onDrop := func() {
		if metrics != nil {
			metrics.RecordDroppedEvent("progress")
		}
	}
	onPanic := func(r interface{}) {
		if log != nil {
			log.Warn("progress subscriber panicked", zap.Any("panic", r))
		}
	}
	return events.NewBus[Event](subscriberBuffer, onDrop, onPanic)
}
