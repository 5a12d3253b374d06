// Package stream adapts an asynchronous event producer into a buffered,
// restartable sequence. Producers push events on a channel; consumers
// drain the fully collected sequence in order. A produced failure is the
// sequence's terminal item, not an error raised to the consumer.
package stream

import "github.com/spendo/spendo/internal/chat"

// EventType discriminates the variants a producer can emit.
type EventType string

const (
	// EventDelta carries an incremental chunk of assistant text.
	EventDelta EventType = "delta"
	// EventDone carries the completed thread item.
	EventDone EventType = "done"
	// EventError marks the producer's failure. It is always the last
	// event and is delivered to the consumer in order, never raised.
	EventError EventType = "error"
)

// Event is a single unit produced by a generator.
type Event struct {
	Type  EventType
	Delta string
	Item  *chat.ThreadItem
	Err   error
}

// Delta builds an incremental text event.
func Delta(text string) Event { return Event{Type: EventDelta, Delta: text} }

// Done builds a completion event carrying the finished item.
func Done(item *chat.ThreadItem) Event { return Event{Type: EventDone, Item: item} }

// Fail builds a terminal error event.
func Fail(err error) Event { return Event{Type: EventError, Err: err} }

// Sequence is a fully buffered, ordered recording of a producer's
// events. It supports exactly one rewind so the events can be replayed
// once, for example to persist after streaming.
type Sequence struct {
	events  []Event
	pos     int
	rewound bool
}

// Collect drains the channel until the producer closes it and returns
// the buffered sequence. If an error event arrives, collection stops
// there: the error is the terminal item.
func Collect(ch <-chan Event) *Sequence {
	s := &Sequence{}
	for ev := range ch {
		s.events = append(s.events, ev)
		if ev.Type == EventError {
			break
		}
	}
	return s
}

// Next yields the next buffered event in production order. ok is false
// once the sequence is exhausted.
func (s *Sequence) Next() (Event, bool) {
	if s.pos >= len(s.events) {
		return Event{}, false
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, true
}

// Rewind resets the sequence to its start. It works exactly once; a
// second call reports false and leaves the position untouched.
func (s *Sequence) Rewind() bool {
	if s.rewound {
		return false
	}
	s.rewound = true
	s.pos = 0
	return true
}

// Len reports the number of buffered events.
func (s *Sequence) Len() int { return len(s.events) }

// Err returns the terminal error, if the producer failed.
func (s *Sequence) Err() error {
	if n := len(s.events); n > 0 && s.events[n-1].Type == EventError {
		return s.events[n-1].Err
	}
	return nil
}

// Text joins every delta in production order.
func (s *Sequence) Text() string {
	var n int
	for _, ev := range s.events {
		n += len(ev.Delta)
	}
	buf := make([]byte, 0, n)
	for _, ev := range s.events {
		if ev.Type == EventDelta {
			buf = append(buf, ev.Delta...)
		}
	}
	return string(buf)
}

// Item returns the completed item from the done event, or nil if the
// producer never completed.
func (s *Sequence) Item() *chat.ThreadItem {
	for _, ev := range s.events {
		if ev.Type == EventDone {
			return ev.Item
		}
	}
	return nil
}
