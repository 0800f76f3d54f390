// Package hub connects the upstream clients with any number of subscribers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpapenbr/gridscout-relay/log"
	"github.com/mpapenbr/gridscout-relay/pkg/livetiming"
	"github.com/mpapenbr/gridscout-relay/pkg/model"
	"github.com/mpapenbr/gridscout-relay/pkg/transform"
)

type (
	Realtime interface {
		Connect(ctx context.Context) error
		Reconnect(ctx context.Context) error
		Disconnect()
		Connected() bool
		GivenUp() bool
		Cache() model.StreamCache
	}
	Poller interface {
		Latest(ctx context.Context) *model.Standings
		Completed() bool
	}
)

type PollState int

const (
	PollStopped PollState = iota
	PollPolling
	PollCompleted
)

func (s PollState) String() string {
	switch s {
	case PollStopped:
		return "stopped"
	case PollPolling:
		return "polling"
	case PollCompleted:
		return "completed"
	default:
		return fmt.Sprintf("PollState(%d)", int(s))
	}
}

type (
	Option func(*Hub)

	Hub struct {
		rt                 Realtime
		poller             Poller
		transformOpts      transform.Options
		pollInterval       time.Duration
		disconnectWhenIdle bool
		ctx                context.Context
		log                *log.Logger
		now                func() time.Time
		metrics            *metrics

		// held while computing and delivering an event, keeps emission order
		deliverMu sync.Mutex
		// serializes connect/disconnect decisions
		connMu sync.Mutex

		mu          sync.Mutex
		subscribers map[uuid.UUID]Callback
		cache       model.StreamCache
		standings   *model.Standings
		standingKey string
		payload     *model.Payload
		pollState   PollState
		pollCancel  context.CancelFunc
	}
)

// WithContext sets the lifetime of connections and polling started by the hub
func WithContext(ctx context.Context) Option {
	return func(h *Hub) {
		h.ctx = ctx
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.pollInterval = d
	}
}

func WithTransformOptions(opts transform.Options) Option {
	return func(h *Hub) {
		h.transformOpts = opts
	}
}

// WithDisconnectWhenIdle closes the realtime connection when the last
// subscriber leaves. The subscriber count is checked again right before
// disconnecting, a subscriber arriving in between keeps the connection.
// By default the connection stays open.
func WithDisconnectWhenIdle(b bool) Option {
	return func(h *Hub) {
		h.disconnectWhenIdle = b
	}
}

func WithLogger(l *log.Logger) Option {
	return func(h *Hub) {
		h.log = l
	}
}

func New(rt Realtime, poller Poller, opts ...Option) *Hub {
	h := &Hub{
		rt:           rt,
		poller:       poller,
		pollInterval: time.Second,
		ctx:          context.Background(),
		log:          log.Default().Named("hub"),
		now:          time.Now,
		subscribers:  make(map[uuid.UUID]Callback),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = newMetrics(h)
	return h
}

// Subscribe registers cb. Before Subscribe returns cb receives the current
// connection state and the latest payload if there is one.
// The first subscriber starts the realtime connection and polling. A later
// subscriber forces a fresh connect if the realtime client gave up.
// The returned function removes the subscription, further calls are no-ops.
func (h *Hub) Subscribe(cb Callback) (unsubscribe func()) {
	id := uuid.New()

	h.deliverMu.Lock()
	h.mu.Lock()
	h.subscribers[id] = cb
	first := len(h.subscribers) == 1
	if first {
		h.startPollingLocked()
	}
	payload := h.payload
	h.mu.Unlock()

	now := h.now()
	var status Event = DisconnectedEvent{Timestamp: now}
	if h.rt.Connected() {
		status = ConnectedEvent{Timestamp: now}
	}
	h.deliver(id, cb, status)
	if payload != nil {
		h.deliver(id, cb, PayloadEvent{Payload: payload, Timestamp: now})
	}
	h.deliverMu.Unlock()

	h.log.Debug("subscriber added", log.String("id", id.String()))
	if first || h.rt.GivenUp() {
		go h.syncConnection()
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	delete(h.subscribers, id)
	empty := len(h.subscribers) == 0
	if empty {
		h.stopPollingLocked()
	}
	h.mu.Unlock()

	h.log.Debug("subscriber removed", log.String("id", id.String()))
	if empty && h.disconnectWhenIdle {
		// may be called from within a delivery
		go h.syncConnection()
	}
}

// syncConnection connects or disconnects the realtime client according to
// the subscriber count at the time it runs. Calls are serialized, so a
// subscriber arriving between an unsubscribe and this call keeps the
// connection.
func (h *Hub) syncConnection() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.HasSubscribers() {
		if err := h.rt.Connect(h.ctx); err != nil {
			h.log.Debug("connect failed", log.ErrorField(err))
		}
		return
	}
	if h.disconnectWhenIdle {
		h.log.Info("no subscribers left, disconnecting")
		h.rt.Disconnect()
	}
}

func (h *Hub) HasSubscribers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers) > 0
}

func (h *Hub) NumSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) Connected() bool {
	return h.rt.Connected()
}

// CachedData returns a copy of the current stream cache
func (h *Hub) CachedData() map[string]model.Stream {
	return h.rt.Cache().Copy()
}

// LastPayload returns the latest payload, nil if there is none yet
func (h *Hub) LastPayload() *model.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payload
}

// Reconnect forces a fresh realtime connection, also after the client gave up
func (h *Hub) Reconnect() error {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.rt.Reconnect(h.ctx)
}

func (h *Hub) PollState() PollState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pollState
}

// Shutdown stops polling and closes the realtime connection
func (h *Hub) Shutdown() {
	h.stopPolling()
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.rt.Disconnect()
}

// HandleRealtime processes the events of the realtime client
func (h *Hub) HandleRealtime(ev livetiming.Event) {
	now := h.now()
	switch e := ev.(type) {
	case livetiming.Connected:
		h.broadcast(ConnectedEvent{Timestamp: now})
	case livetiming.Disconnected:
		h.broadcast(DisconnectedEvent{Timestamp: now})
	case livetiming.Failed:
		h.broadcast(ErrorEvent{Err: e.Err, Timestamp: now})
	case livetiming.StreamsUpdated:
		h.deliverMu.Lock()
		defer h.deliverMu.Unlock()
		h.mu.Lock()
		h.cache = e.Cache
		payload := h.computePayload()
		if payload == nil {
			h.mu.Unlock()
			return
		}
		h.payload = payload
		subs := h.snapshot()
		h.mu.Unlock()
		h.emit(subs, PayloadEvent{Payload: payload, Timestamp: now})
	default:
		h.log.Warn("unhandled realtime event", log.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (h *Hub) broadcast(ev Event) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.mu.Lock()
	subs := h.snapshot()
	h.mu.Unlock()
	h.emit(subs, ev)
}

// snapshot must be called with h.mu held
func (h *Hub) snapshot() map[uuid.UUID]Callback {
	ret := make(map[uuid.UUID]Callback, len(h.subscribers))
	for k, v := range h.subscribers {
		ret[k] = v
	}
	return ret
}

// emit must be called with h.deliverMu held
func (h *Hub) emit(subs map[uuid.UUID]Callback, ev Event) {
	h.metrics.event(ev.Type())
	for id, cb := range subs {
		h.deliver(id, cb, ev)
	}
}

func (h *Hub) deliver(id uuid.UUID, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.panicked()
			h.log.Error("subscriber callback failed",
				log.String("id", id.String()),
				log.String("event", ev.Type()),
				log.Any("panic", r))
		}
	}()
	cb(ev)
}

// startPollingLocked must be called with h.mu held
func (h *Hub) startPollingLocked() {
	if h.pollState != PollStopped {
		return
	}
	if h.poller.Completed() {
		h.pollState = PollCompleted
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	h.pollCancel = cancel
	h.pollState = PollPolling
	go h.pollLoop(ctx)
}

func (h *Hub) stopPolling() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopPollingLocked()
}

// stopPollingLocked must be called with h.mu held
func (h *Hub) stopPollingLocked() {
	if h.pollCancel != nil {
		h.pollCancel()
		h.pollCancel = nil
	}
	if h.pollState == PollPolling {
		h.pollState = PollStopped
	}
}

func (h *Hub) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		h.poll(ctx)
		if h.poller.Completed() {
			h.mu.Lock()
			if ctx.Err() == nil {
				h.pollState = PollCompleted
				h.pollCancel = nil
			}
			h.mu.Unlock()
			h.log.Info("session complete, polling stopped")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll emits a payload only if the standings changed
func (h *Hub) poll(ctx context.Context) {
	s := h.poller.Latest(ctx)
	if s == nil || ctx.Err() != nil {
		return
	}
	key := standingsKey(s)

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	h.mu.Lock()
	if key == h.standingKey {
		h.mu.Unlock()
		return
	}
	h.standingKey = key
	h.standings = s
	payload := h.computePayload()
	if payload == nil {
		h.mu.Unlock()
		return
	}
	h.payload = payload
	subs := h.snapshot()
	h.mu.Unlock()
	h.emit(subs, PayloadEvent{Payload: payload, Timestamp: h.now()})
}

// computePayload must be called with h.mu held
func (h *Hub) computePayload() *model.Payload {
	payload, err := transform.ToPayload(h.cache, h.standings, h.transformOpts)
	if err != nil {
		h.log.Warn("payload not computed", log.ErrorField(err))
		return nil
	}
	return payload
}

// standingsKey is a stable serialization used for change detection
func standingsKey(s *model.Standings) string {
	if s.Canonical != "" {
		return s.Canonical
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}
