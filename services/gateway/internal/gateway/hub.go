package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	helpers "idia-astro/go-toolvisor/pkg/shared"
)

const DefaultQueueSize = 256

// Subscriber is one open stream connection. Its channel is closed when the
// hub drops or removes it.
type Subscriber struct {
	ID      string
	filter  TopicFilter
	ch      chan Event
	closed  bool
	dropped bool
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped reports whether the hub disconnected the subscriber for falling
// behind. Only meaningful once Events is closed.
func (s *Subscriber) Dropped() bool { return s.dropped }

type HubOptions struct {
	RingCapacity int
	QueueSize    int
	Signer       *Signer
	Logger       *slog.Logger
	Now          func() time.Time
}

// Hub owns the ring and the subscriber set behind one mutex, so publishing
// and registering a subscriber never interleave.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring   *Ring
	subs   map[*Subscriber]struct{}

	queueSize int
	signer    *Signer
	logger    *slog.Logger
	now       func() time.Time

	registry *prometheus.Registry
	metrics  *Metrics
}

func NewHub(opts HubOptions) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = helpers.NopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	reg := prometheus.NewRegistry()
	return &Hub{
		nextID:    1,
		ring:      NewRing(opts.RingCapacity),
		subs:      make(map[*Subscriber]struct{}),
		queueSize: opts.QueueSize,
		signer:    opts.Signer,
		logger:    opts.Logger,
		now:       opts.Now,
		registry:  reg,
		metrics:   NewMetrics(reg),
	}
}

func (h *Hub) Registry() *prometheus.Registry { return h.registry }

func (h *Hub) Metrics() *Metrics { return h.metrics }

// NextID is the id the next published event will get.
func (h *Hub) NextID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextID
}

// Publish assigns the next id, stores the event and queues it for every
// matching subscriber. A subscriber whose queue is full is disconnected.
func (h *Hub) Publish(topic string, data json.RawMessage) Event {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	e := Event{ID: h.nextID, Topic: topic, Data: data, TS: h.now().UnixMilli()}
	h.nextID++
	e.Sig = h.signer.Sign(e)
	h.ring.Push(e)
	h.metrics.Ingested.Inc()

	for s := range h.subs {
		if !s.filter.Match(topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.logger.Warn("Subscriber queue full, disconnecting", "subscriber", s.ID, "eventId", e.ID)
			h.metrics.Dropped.Inc()
			s.dropped = true
			h.removeLocked(s)
		}
	}
	return e
}

// Subscribe registers a subscriber and returns the replay backlog together
// with the id of the first live event it can receive. With lastID nil there
// is no backlog.
func (h *Hub) Subscribe(filter TopicFilter, lastID *int64) (*Subscriber, []Event, int64) {
	s := &Subscriber{ID: uuid.NewString(), filter: filter, ch: make(chan Event, h.queueSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	var backlog []Event
	if lastID != nil {
		backlog = h.ring.After(*lastID, filter)
	}
	h.subs[s] = struct{}{}
	h.metrics.Clients.Inc()
	h.metrics.Connections.Inc()
	return s, backlog, h.nextID
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.ch)
	h.metrics.Clients.Dec()
}

// Subscribers returns the number of open subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Delivered accounts for one event written to a subscriber.
func (h *Hub) Delivered(bytes int) {
	h.metrics.Delivered.Inc()
	h.metrics.BytesSent.Add(float64(bytes))
}
