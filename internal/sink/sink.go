// Package sink defines the Output Sink collaborator contract: where an
// Agent's text, summary, and plan events go as they're produced. Grounded
// on internal/agent/event_sink.go's EventSink/ChanSink/MultiSink family,
// narrowed to the event shapes spec.md's Agent actually emits.
package sink

import "sync"

// Kind discriminates the Event union emitted to a Sink.
type Kind string

const (
	KindText    Kind = "text"
	KindSummary Kind = "summary"
	KindPlan    Kind = "plan"
)

// Event is one unit of output from an agent's conversation turn.
type Event struct {
	AgentID  string
	Role     string // the agent's config.AgentRole, as a string
	Kind     Kind
	TextRole string // "thinking" or "response", only set when Kind == KindText
	Text     string
}

// Sink receives agent output events. Implementations must be safe to call
// from multiple goroutines, since multiple agents stream concurrently.
type Sink interface {
	Emit(e Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop returns a Sink that discards every event.
func Nop() Sink { return nopSink{} }

// ChannelSink forwards events to a channel, dropping events rather than
// blocking when the channel is full — grounded on ChanSink's
// non-blocking-send discipline.
type ChannelSink struct {
	ch chan<- Event
}

// NewChannelSink wraps ch. The channel should be buffered; an unbuffered or
// full channel causes events to be dropped, never blocked on.
func NewChannelSink(ch chan<- Event) *ChannelSink {
	return &ChannelSink{ch: ch}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// RecordingSink accumulates every event it receives, in order. Intended for
// tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a snapshot copy of every event recorded so far.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// MultiSink fans out each event to every wrapped sink, per
// internal/agent/event_sink.go's MultiSink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a Sink that forwards to every sink in sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(e Event) {
	for _, inner := range s.sinks {
		inner.Emit(e)
	}
}
