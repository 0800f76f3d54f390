// Package livetiming connects to the realtime timing feed and keeps a cache
// of the latest value of each subscribed stream.
package livetiming

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpapenbr/gridscout-relay/log"
	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

const (
	DefaultBaseURL        = "https://livetiming.formula1.com"
	DefaultHub            = "Streaming"
	DefaultProtocol       = "1.5"
	DefaultSubscribeDelay = 250 * time.Millisecond
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateGivenUp:
		return "given-up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type (
	Option func(*Client)

	Client struct {
		baseURLStr     string
		baseURL        *url.URL
		hub            string
		protocol       string
		streams        []string
		subscribeDelay time.Duration
		backoff        Backoff
		httpClient     *http.Client
		dialer         *websocket.Dialer
		handler        func(Event)
		reconnectGuard func() bool
		log            *log.Logger
		tracer         trace.Tracer

		mu             sync.Mutex
		writeMu        sync.Mutex
		state          State
		gen            uint64 // incremented for each connect attempt and on Disconnect
		conn           *websocket.Conn
		attempts       int
		nextID         int
		runCtx         context.Context
		reconnectTimer *time.Timer
		subscribeTimer *time.Timer
		cache          model.StreamCache
	}
)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURLStr = u
	}
}

func WithHub(name string) Option {
	return func(c *Client) {
		c.hub = name
	}
}

func WithProtocol(version string) Option {
	return func(c *Client) {
		c.protocol = version
	}
}

func WithStreams(streams ...string) Option {
	return func(c *Client) {
		c.streams = slices.Clone(streams)
	}
}

// WithSubscribeDelay sets the grace period between socket open and subscribe
func WithSubscribeDelay(d time.Duration) Option {
	return func(c *Client) {
		c.subscribeDelay = d
	}
}

func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.httpClient = cl
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithHandler sets the receiver of all events.
// The handler must not call Connect or Disconnect.
func WithHandler(h func(Event)) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// WithReconnectGuard is consulted after a connection loss.
// No reconnect is scheduled if the guard returns false.
func WithReconnectGuard(g func() bool) Option {
	return func(c *Client) {
		c.reconnectGuard = g
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURLStr:     DefaultBaseURL,
		hub:            DefaultHub,
		protocol:       DefaultProtocol,
		streams:        slices.Clone(model.DefaultStreams),
		subscribeDelay: DefaultSubscribeDelay,
		backoff:        DefaultBackoff,
		httpClient:     http.DefaultClient,
		dialer:         websocket.DefaultDialer,
		handler:        func(Event) {},
		log:            log.Default().Named("livetiming"),
		tracer:         otel.Tracer("github.com/mpapenbr/gridscout-relay/pkg/livetiming"),
		runCtx:         context.Background(),
		state:          StateIdle,
		nextID:         1,
	}
	for _, opt := range opts {
		opt(c)
	}
	u, err := url.Parse(c.baseURLStr)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https",
			c.baseURLStr)
	}
	c.baseURL = u
	if len(c.streams) == 0 {
		return nil, errors.New("no streams configured")
	}
	return c, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Cache returns the current stream cache snapshot
func (c *Client) Cache() model.StreamCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

// Connect negotiates and opens the socket.
// Calls while connecting or connected are no-ops.
// The context is also used for reconnects and bounds the lifetime of the socket.
// Errors are reported to the handler as Failed event as well.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateGivenUp {
		// explicit request for a fresh connect
		c.attempts = 0
	}
	c.runCtx = ctx
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if err := c.dial(ctx, gen); err != nil {
		c.log.Error("could not connect", log.ErrorField(err))
		if c.markDisconnected(gen) {
			c.handler(Failed{Err: err})
			c.scheduleReconnect(gen)
		}
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	token, cookie, err := c.negotiate(ctx)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("User-Agent", userAgent)
	header.Set("Accept-Encoding", acceptEncoding)
	header.Set("Cookie", cookie)

	conn, resp, err := c.dialer.DialContext(ctx, c.connectURL(token), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect was called while we were dialing
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.subscribeTimer = time.AfterFunc(c.subscribeDelay, func() { c.subscribe(gen) })
	c.mu.Unlock()

	c.log.Info("connected", log.String("url", c.baseURL.Host))
	c.handler(Connected{})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go c.readLoop(conn, gen, stop)
	return nil
}

func (c *Client) subscribe(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		c.log.Warn("cannot subscribe, socket not open")
		return
	}
	conn := c.conn
	msg := invocation{
		H: c.hub,
		M: "Subscribe",
		A: []any{c.streams},
		I: c.nextID,
	}
	c.nextID++
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		c.log.Warn("could not send subscribe", log.ErrorField(err))
		return
	}
	c.log.Debug("subscribed",
		log.Strings("streams", c.streams), log.Int("invocation", msg.I))
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64, stop func() bool) {
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame merges all stream updates of one frame before a single emission
func (c *Client) handleFrame(data []byte) {
	updates, err := parseFrame(data, c.hub, c.streams)
	if err != nil {
		c.log.Warn("dropping frame", log.ErrorField(err))
		return
	}
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	cache := c.cache
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		cache = cache.Merge(u.name, u.data)
		if !slices.Contains(names, u.name) {
			names = append(names, u.name)
		}
	}
	c.cache = cache
	c.mu.Unlock()

	c.handler(StreamsUpdated{Cache: cache, Streams: names})
}

func (c *Client) handleClose(conn *websocket.Conn, gen uint64, err error) {
	conn.Close()
	if !c.markDisconnected(gen) {
		// connection was closed by Disconnect
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		c.log.Info("socket closed",
			log.Int("code", closeErr.Code), log.String("reason", closeErr.Text))
	} else {
		c.log.Info("socket failed", log.ErrorField(err))
		c.handler(Failed{Err: err})
	}
	c.handler(Disconnected{})
	c.scheduleReconnect(gen)
}

// markDisconnected returns false if gen is no longer the active connection
func (c *Client) markDisconnected(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.conn = nil
	c.state = StateDisconnected
	if c.subscribeTimer != nil {
		c.subscribeTimer.Stop()
		c.subscribeTimer = nil
	}
	return true
}

func (c *Client) scheduleReconnect(gen uint64) {
	if c.reconnectGuard != nil && !c.reconnectGuard() {
		c.log.Debug("no reconnect, nobody is listening")
		return
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	if c.attempts >= c.backoff.MaxAttempts {
		c.state = StateGivenUp
		c.mu.Unlock()
		c.log.Error("max reconnect attempts reached, giving up",
			log.Int("attempts", c.backoff.MaxAttempts))
		c.handler(Failed{Err: ErrGivenUp})
		return
	}
	c.attempts++
	delay := c.backoff.Delay(c.attempts)
	ctx := c.runCtx
	c.log.Info("reconnecting",
		log.Duration("delay", delay),
		log.Int("attempt", c.attempts),
		log.Int("maxAttempts", c.backoff.MaxAttempts))
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		//nolint:errcheck // reported via handler
		c.connect(ctx)
	})
	c.mu.Unlock()
}

// Disconnect closes the socket and cancels a pending reconnect.
// The stream cache is kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.subscribeTimer != nil {
		c.subscribeTimer.Stop()
		c.subscribeTimer = nil
	}
	conn := c.conn
	wasConnected := c.state == StateConnected
	c.conn = nil
	c.state = StateIdle
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		//nolint:errcheck // best effort
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	if wasConnected {
		c.log.Info("disconnected")
		c.handler(Disconnected{})
	}
}

// Reconnect forces a fresh connection
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()
	return c.Connect(ctx)
}

// GivenUp reports whether the client stopped reconnecting. A call to Connect
// starts over.
func (c *Client) GivenUp() bool {
	return c.State() == StateGivenUp
}
