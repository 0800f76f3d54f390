// Package standings polls the live standings of a session.
package standings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/mpapenbr/gridscout-relay/log"
	"github.com/mpapenbr/gridscout-relay/pkg/model"
	"github.com/mpapenbr/gridscout-relay/pkg/utils"
)

const (
	DefaultBaseURL  = "https://api.motorsportstats.com/core/2.0.0"
	DefaultInterval = time.Second
)

var ErrUnexpectedStatus = errors.New("unexpected status")

type (
	Option func(*Client)

	// Client fetches standings snapshots.
	// At most one fetch is in flight at any time.
	Client struct {
		baseURL    string
		session    string
		apiKey     string
		token      string
		interval   time.Duration
		httpClient *http.Client
		log        *log.Logger
		tracer     trace.Tracer
		now        func() time.Time

		mu        sync.Mutex
		cache     *model.Standings
		lastFetch time.Time
		fetching  bool
		completed bool
	}
)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

func WithSession(id string) Option {
	return func(c *Client) {
		c.session = id
	}
}

// WithAPIKey sets the value of the X-Api-Key header
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithToken adds a static bearer token to each request
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithInterval sets the minimum time between two fetches
func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		c.interval = d
	}
}

func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.httpClient = cl
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		interval:   DefaultInterval,
		httpClient: http.DefaultClient,
		log:        log.Default().Named("standings"),
		tracer:     otel.Tracer("github.com/mpapenbr/gridscout-relay/pkg/standings"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.token != "" {
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient = &http.Client{
			Timeout: c.httpClient.Timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token}),
				Base:   base,
			},
		}
	}
	return c
}

// Completed reports if a fetched snapshot marked the session as complete
func (c *Client) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Cached returns the last fetched snapshot without fetching
func (c *Client) Cached() *model.Standings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

// Latest returns the current snapshot, fetching a new one if needed.
// Fetch errors are logged, in that case the previous snapshot is returned.
// The result is nil until the first successful fetch.
func (c *Client) Latest(ctx context.Context) *model.Standings {
	c.mu.Lock()
	now := c.now()
	switch {
	case c.completed,
		c.fetching,
		c.cache != nil && now.Sub(c.lastFetch) < c.interval:
		ret := c.cache
		c.mu.Unlock()
		return ret
	}
	c.fetching = true
	c.mu.Unlock()

	data, err := c.Fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false
	if err != nil {
		c.log.Error("could not fetch standings", log.ErrorField(err))
		return c.cache
	}
	c.lastFetch = now
	if data == nil {
		return c.cache
	}
	c.cache = data
	if data.IsComplete() && !c.completed {
		c.log.Info("session complete, no further fetches",
			log.String("session", c.session),
			log.String("state", data.SessionState))
		c.completed = true
	}
	return c.cache
}

// Fetch requests a snapshot regardless of the cache state.
// Returns nil and no error if the session is unknown.
func (c *Client) Fetch(ctx context.Context) (ret *model.Standings, err error) {
	ctx, span := c.tracer.Start(ctx, "standings.fetch",
		trace.WithAttributes(attribute.String("session", c.session)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	u, err := url.JoinPath(c.baseURL, "liveStandings", c.session)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.log.Warn("session not found", log.String("session", c.session))
		return nil, nil //nolint:nilnil // unknown session is no error
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var data model.Standings
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode standings: %w", err)
	}
	if data.Canonical, err = utils.CanonicalJSON(body); err != nil {
		return nil, fmt.Errorf("canonical standings: %w", err)
	}
	c.log.Debug("fetched standings",
		log.String("event", data.Event.Name),
		log.String("session", data.Session.Name),
		log.String("state", data.SessionState),
		log.Int("lap", data.Lap))
	return &data, nil
}
