//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package standings

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStandings = `{
	"session": {"name": "Race", "uuid": "s-1", "type": "session"},
	"event": {"name": "Abu Dhabi Grand Prix", "uuid": "e-1", "type": "event"},
	"sessionState": "%s",
	"lap": 12,
	"lapTotal": 58,
	"raceDetail": {"safetyCar": [], "virtualSafetyCar": [], "redFlag": []},
	"ranking": [
		{"driver": {"name": "Max Verstappen", "uuid": "d-1"}, "team": {"uuid": "t-1"}, "position": 1, "time": 86012, "gap": {"timeToLead": 0, "lapsToLead": 0, "timeToNext": 0, "lapsToNext": 0}, "tyreDetail": [{"type": "M", "wear": "n", "laps": 12}], "averageSpeed": 201.5},
		{"driver": {"name": "Lando Norris", "uuid": "d-2"}, "team": {"uuid": "t-2"}, "position": null, "time": 0, "gap": null, "tyreDetail": [], "averageSpeed": null}
	]
}`

type fakeAPI struct {
	srv      *httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	status   int
	body     string
	header   http.Header
	block    chan struct{}
	arrived  chan struct{}
}

func newFakeAPI(t *testing.T, body string) *fakeAPI {
	f := &fakeAPI{status: http.StatusOK, body: body}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		f.header = r.Header.Clone()
		status, body, block, arrived := f.status, f.body, f.block, f.arrived
		f.mu.Unlock()
		if r.URL.Path != "/core/liveStandings/s-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if arrived != nil {
			arrived <- struct{}{}
		}
		if block != nil {
			<-block
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) set(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestClient(f *fakeAPI, clk *clock, opts ...Option) *Client {
	return New(append([]Option{
		WithBaseURL(f.srv.URL + "/core"),
		WithSession("s-1"),
		WithAPIKey("secret"),
		WithInterval(time.Second),
		withClock(clk.Now),
	}, opts...)...)
}

func running() string  { return fmt.Sprintf(sampleStandings, "Running") }
func complete() string { return fmt.Sprintf(sampleStandings, "Complete") }

func TestLatest_FreshnessWindow(t *testing.T) {
	f := newFakeAPI(t, running())
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestClient(f, clk)

	first := c.Latest(context.Background())
	require.NotNil(t, first)
	assert.Equal(t, int32(1), f.requests.Load())
	assert.Equal(t, "Race", first.Session.Name)
	assert.Len(t, first.Ranking, 2)
	assert.Equal(t, 1, first.Ranking[0].Position.GetOrZero())
	assert.True(t, first.Ranking[1].Position.IsNull())
	assert.Nil(t, first.Ranking[1].Gap)

	clk.Advance(500 * time.Millisecond)
	assert.Same(t, first, c.Latest(context.Background()))
	assert.Equal(t, int32(1), f.requests.Load())

	clk.Advance(500 * time.Millisecond)
	second := c.Latest(context.Background())
	assert.Equal(t, int32(2), f.requests.Load())
	assert.NotSame(t, first, second)
	assert.Equal(t, first.Canonical, second.Canonical)
	assert.False(t, c.Completed())
}

func TestLatest_CompleteStopsFetching(t *testing.T) {
	f := newFakeAPI(t, complete())
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestClient(f, clk)

	first := c.Latest(context.Background())
	require.NotNil(t, first)
	assert.True(t, c.Completed())

	f.set(http.StatusOK, running())
	for range 5 {
		clk.Advance(time.Hour)
		assert.Same(t, first, c.Latest(context.Background()))
	}
	assert.Equal(t, int32(1), f.requests.Load())
	assert.True(t, c.Completed())
}

func TestLatest_StaleOnError(t *testing.T) {
	f := newFakeAPI(t, running())
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestClient(f, clk)

	first := c.Latest(context.Background())
	require.NotNil(t, first)

	f.set(http.StatusBadGateway, "")
	clk.Advance(2 * time.Second)
	assert.Same(t, first, c.Latest(context.Background()))

	f.set(http.StatusOK, "{not json")
	clk.Advance(2 * time.Second)
	assert.Same(t, first, c.Latest(context.Background()))
	assert.Equal(t, int32(3), f.requests.Load())
}

func TestLatest_NotFound(t *testing.T) {
	f := newFakeAPI(t, "")
	f.set(http.StatusNotFound, "")
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestClient(f, clk)

	assert.Nil(t, c.Latest(context.Background()))
	assert.False(t, c.Completed())
}

func TestLatest_SingleFlight(t *testing.T) {
	f := newFakeAPI(t, running())
	f.block = make(chan struct{})
	f.arrived = make(chan struct{}, 1)
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestClient(f, clk)

	done := make(chan bool)
	go func() {
		done <- c.Latest(context.Background()) != nil
	}()
	<-f.arrived

	// fetch in flight, the (empty) cache is returned immediately
	assert.Nil(t, c.Latest(context.Background()))
	close(f.block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), f.requests.Load())
}

func TestFetch_Headers(t *testing.T) {
	f := newFakeAPI(t, running())
	clk := &clock{now: time.Unix(1000, 0)}

	c := newTestClient(f, clk)
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)
	f.mu.Lock()
	assert.Equal(t, "secret", f.header.Get("X-Api-Key"))
	assert.Equal(t, "application/json", f.header.Get("Accept"))
	assert.Equal(t, "", f.header.Get("Authorization"))
	f.mu.Unlock()

	c = newTestClient(f, clk, WithToken("bearer-token"))
	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	f.mu.Lock()
	assert.Equal(t, "Bearer bearer-token", f.header.Get("Authorization"))
	f.mu.Unlock()
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	f := newFakeAPI(t, "")
	f.set(http.StatusUnauthorized, "")
	c := newTestClient(f, &clock{now: time.Unix(1000, 0)})

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestFetch_CanonicalIgnoresKeyOrder(t *testing.T) {
	f := newFakeAPI(t, `{"lap": 3, "sessionState": "Running", "ranking": []}`)
	c := newTestClient(f, &clock{now: time.Unix(1000, 0)})
	a, err := c.Fetch(context.Background())
	require.NoError(t, err)

	f.set(http.StatusOK, `{"ranking":[],"sessionState":"Running","lap":3}`)
	b, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Canonical, b.Canonical)

	f.set(http.StatusOK, `{"ranking":[],"sessionState":"Running","lap":4}`)
	d, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.Canonical, d.Canonical)
}
