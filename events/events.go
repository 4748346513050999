// Package events carries activity events from the gateway, negotiation engine
// and buyer agent to observers such as the dashboard. Producers receive a Sink
// explicitly; there is no process-wide activity log.
package events

import (
	"sync"

	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

// Sink receives activity events. Emit must not block the caller for long.
type Sink interface {
	Emit(event types.ActivityEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(types.ActivityEvent)

func (f SinkFunc) Emit(e types.ActivityEvent) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(types.ActivityEvent) {})

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Fanout delivers each event to every non-nil sink in order.
func Fanout(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(e types.ActivityEvent) {
		for _, s := range out {
			s.Emit(e)
		}
	})
}

// LogSink writes events to a logger at debug level (warnings and errors keep their level).
type LogSink struct {
	Log *logger.Logger
}

func (s LogSink) Emit(e types.ActivityEvent) {
	l := logger.Or(s.Log).WithFields(map[string]interface{}{
		"event":  e.Type,
		"source": e.Source,
	})
	if e.InvoiceID != "" {
		l = l.WithField("invoice_id", e.InvoiceID)
	}
	switch e.Level {
	case types.LevelError:
		l.Errorf("%s", e.Message)
	case types.LevelWarning:
		l.Warn(e.Message)
	default:
		l.Debug(e.Message)
	}
}

// Recorder keeps every event in memory; used by tests and the /activity endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []types.ActivityEvent
	limit  int
}

// NewRecorder keeps at most limit events (0 means unbounded).
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(e types.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []types.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ActivityEvent, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(eventType string) []types.ActivityEvent {
	var out []types.ActivityEvent
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
