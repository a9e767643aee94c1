package gateway

import (
	"encoding/json"
	"strings"
)

// Event is one ingested posting. Events are immutable once published.
type Event struct {
	ID    int64           `json:"id"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
	TS    int64           `json:"ts"`
	Sig   string          `json:"sig,omitempty"`
}

// Ring is a fixed-capacity FIFO of events; the oldest is evicted when full.
// It is not safe for concurrent use.
type Ring struct {
	buf   []Event
	start int
	size  int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Event, capacity)}
}

func (r *Ring) Push(e Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int { return r.size }

func (r *Ring) Cap() int { return len(r.buf) }

// After returns the retained events with id > lastID accepted by filter, in
// id order.
func (r *Ring) After(lastID int64, filter TopicFilter) []Event {
	var out []Event
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.ID > lastID && filter.Match(e.Topic) {
			out = append(out, e)
		}
	}
	return out
}

// TopicFilter is a set of accepted topics; nil or empty accepts everything.
type TopicFilter map[string]struct{}

// ParseTopics reads a comma separated topic list.
func ParseTopics(raw string) TopicFilter {
	var f TopicFilter
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if f == nil {
			f = make(TopicFilter)
		}
		f[t] = struct{}{}
	}
	return f
}

func (f TopicFilter) Match(topic string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[topic]
	return ok
}
