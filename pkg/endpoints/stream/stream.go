// Package stream serves hub events as compressed server-sent events.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpapenbr/gridscout-relay/log"
	"github.com/mpapenbr/gridscout-relay/pkg/hub"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	defaultQueueSize   = 64
	defaultSendTimeout = 50 * time.Millisecond
)

type (
	Subscriber interface {
		Subscribe(cb hub.Callback) (unsubscribe func())
	}

	Option func(*Handler)

	// Handler serves one long-lived event stream per request
	Handler struct {
		hub         Subscriber
		heartbeat   time.Duration
		queueSize   int
		sendTimeout time.Duration
		log         *log.Logger
		metrics     *metrics

		mu      sync.Mutex
		viewers map[uuid.UUID]*viewer
		closed  bool
	}

	viewer struct {
		id          uuid.UUID
		events      chan hub.Event
		done        chan struct{}
		once        sync.Once
		unsubscribe func()
		ticker      *time.Ticker
		skipped     int
	}
)

func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		h.heartbeat = d
	}
}

// WithQueueSize sets the number of events buffered per viewer
func WithQueueSize(n int) Option {
	return func(h *Handler) {
		h.queueSize = n
	}
}

// WithSendTimeout sets how long an event may wait for a full viewer queue
// before it is skipped for this viewer
func WithSendTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.sendTimeout = d
	}
}

func WithLogger(l *log.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

func NewHandler(s Subscriber, opts ...Option) *Handler {
	h := &Handler{
		hub:         s,
		heartbeat:   DefaultHeartbeat,
		queueSize:   defaultQueueSize,
		sendTimeout: defaultSendTimeout,
		log:         log.Default().Named("stream"),
		viewers:     make(map[uuid.UUID]*viewer),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = newMetrics(h)
	return h
}

func (h *Handler) NumViewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Close ends all active streams. New requests are rejected afterwards.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	viewers := make([]*viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		viewers = append(viewers, v)
	}
	h.mu.Unlock()
	for _, v := range viewers {
		h.teardown(v)
	}
}

//nolint:funlen // ok
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	v := &viewer{
		id:     uuid.New(),
		events: make(chan hub.Event, h.queueSize),
		done:   make(chan struct{}),
		ticker: time.NewTicker(h.heartbeat),
	}
	// initial status and payload are queued before Subscribe returns
	v.unsubscribe = h.hub.Subscribe(func(ev hub.Event) { h.enqueue(v, ev) })
	defer h.teardown(v)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.viewers[v.id] = v
	h.mu.Unlock()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-transform")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	l := h.log.With(log.String("viewer", v.id.String()))
	l.Debug("viewer connected", log.String("remote", r.RemoteAddr))
	h.metrics.connected()

	write := func(event string, body any) bool {
		if err := Encode(w, event, body); err != nil {
			l.Debug("write failed", log.ErrorField(err))
			return false
		}
		flusher.Flush()
		h.metrics.sent(event)
		return true
	}
	for {
		select {
		case <-r.Context().Done():
			l.Debug("viewer gone")
			return
		case <-v.done:
			l.Debug("stream closed")
			return
		case ev := <-v.events:
			f := toFrame(ev)
			if !write(f.event, f.body) {
				return
			}
		case t := <-v.ticker.C:
			if !write(FrameHeartbeat, HeartbeatBody{Timestamp: t.UnixMilli()}) {
				return
			}
		}
	}
}

// enqueue is called by the hub with its delivery lock held
func (h *Handler) enqueue(v *viewer, ev hub.Event) {
	select {
	case v.events <- ev:
	case <-v.done:
	case <-time.After(h.sendTimeout):
		v.skipped++
		h.metrics.skip()
		h.log.Debug("viewer queue full, event skipped",
			log.String("viewer", v.id.String()),
			log.String("event", ev.Type()),
			log.Int("skipped", v.skipped))
	}
}

// teardown may be called multiple times, only the first call has an effect
func (h *Handler) teardown(v *viewer) {
	v.once.Do(func() {
		v.ticker.Stop()
		v.unsubscribe()
		close(v.done)
		h.mu.Lock()
		delete(h.viewers, v.id)
		h.mu.Unlock()
		h.log.Debug("viewer removed", log.String("viewer", v.id.String()))
	})
}
