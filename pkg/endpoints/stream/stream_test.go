//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/gridscout-relay/pkg/hub"
	"github.com/mpapenbr/gridscout-relay/pkg/livetiming"
	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

var ts0 = time.Date(2024, 5, 26, 14, 0, 0, 0, time.UTC)

type fakeHub struct {
	mu           sync.Mutex
	subs         map[int]hub.Callback
	next         int
	unsubscribed atomic.Int32
	initial      []hub.Event
}

func newFakeHub(initial ...hub.Event) *fakeHub {
	return &fakeHub{subs: map[int]hub.Callback{}, initial: initial}
}

func (f *fakeHub) Subscribe(cb hub.Callback) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = cb
	f.mu.Unlock()
	for _, ev := range f.initial {
		cb(ev)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			f.unsubscribed.Add(1)
		})
	}
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeHub) publish(ev hub.Event) {
	f.mu.Lock()
	cbs := make([]hub.Callback, 0, len(f.subs))
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

type sseFrame struct {
	event string
	data  string
}

type sseReader struct {
	frames chan sseFrame
}

func readFrames(t *testing.T, resp *http.Response) *sseReader {
	r := &sseReader{frames: make(chan sseFrame, 32)}
	go func() {
		defer close(r.frames)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		cur := sseFrame{}
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				r.frames <- cur
				cur = sseFrame{}
			}
		}
	}()
	return r
}

func (r *sseReader) next(t *testing.T) sseFrame {
	select {
	case f, ok := <-r.frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return sseFrame{}
}

func open(t *testing.T, url string) (*http.Response, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, cancel
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FrameStatus, StatusBody{Connected: true, Timestamp: 42}))
	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "event: status", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
	assert.Empty(t, lines[2])

	var got StatusBody
	require.NoError(t, Decode(strings.TrimPrefix(lines[1], "data: "), &got))
	assert.Equal(t, StatusBody{Connected: true, Timestamp: 42}, got)
}

func TestDecode_Invalid(t *testing.T) {
	var v any
	assert.Error(t, Decode("%%%", &v))
	assert.Error(t, Decode("aGVsbG8=", &v))
}

func TestToFrame(t *testing.T) {
	p := &model.Payload{Session: model.SessionInfo{Name: "Race"}}
	tests := []struct {
		name  string
		ev    hub.Event
		event string
		body  any
	}{
		{"payload", hub.PayloadEvent{Payload: p, Timestamp: ts0}, FramePayload, PayloadBody{Data: p, Timestamp: ts0.UnixMilli()}},
		{"connected", hub.ConnectedEvent{Timestamp: ts0}, FrameStatus, StatusBody{Connected: true, Timestamp: ts0.UnixMilli()}},
		{"disconnected", hub.DisconnectedEvent{Timestamp: ts0}, FrameStatus, StatusBody{Connected: false, Timestamp: ts0.UnixMilli()}},
		{"error", hub.ErrorEvent{Err: errors.New("boom"), Timestamp: ts0}, FrameError, ErrorBody{Message: "boom", Timestamp: ts0.UnixMilli()}},
		{"error without cause", hub.ErrorEvent{Timestamp: ts0}, FrameError, ErrorBody{Message: "unknown error", Timestamp: ts0.UnixMilli()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := toFrame(tt.ev)
			assert.Equal(t, tt.event, f.event)
			assert.Equal(t, tt.body, f.body)
		})
	}
}

func TestHandler_Headers(t *testing.T) {
	fh := newFakeHub(hub.DisconnectedEvent{Timestamp: ts0})
	h := NewHandler(fh)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, cancel := open(t, srv.URL)
	defer cancel()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
}

func TestHandler_StatusThenPayload(t *testing.T) {
	fh := newFakeHub(hub.ConnectedEvent{Timestamp: ts0})
	h := NewHandler(fh)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, cancel := open(t, srv.URL)
	defer cancel()
	r := readFrames(t, resp)

	f := r.next(t)
	assert.Equal(t, FrameStatus, f.event)
	var status StatusBody
	require.NoError(t, Decode(f.data, &status))
	assert.True(t, status.Connected)

	p := &model.Payload{Session: model.SessionInfo{Name: "Race", Status: model.SessionActive}}
	fh.publish(hub.PayloadEvent{Payload: p, Timestamp: ts0.Add(time.Second)})

	f = r.next(t)
	assert.Equal(t, FramePayload, f.event)
	var payload PayloadBody
	require.NoError(t, Decode(f.data, &payload))
	assert.Equal(t, "Race", payload.Data.Session.Name)
	assert.Equal(t, ts0.Add(time.Second).UnixMilli(), payload.Timestamp)

	fh.publish(hub.ErrorEvent{Err: errors.New("upstream gone"), Timestamp: ts0})
	f = r.next(t)
	assert.Equal(t, FrameError, f.event)
	var eb ErrorBody
	require.NoError(t, Decode(f.data, &eb))
	assert.Equal(t, "upstream gone", eb.Message)
}

func TestHandler_Heartbeat(t *testing.T) {
	fh := newFakeHub(hub.DisconnectedEvent{Timestamp: ts0})
	h := NewHandler(fh, WithHeartbeat(20*time.Millisecond))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, cancel := open(t, srv.URL)
	defer cancel()
	r := readFrames(t, resp)

	assert.Equal(t, FrameStatus, r.next(t).event)
	f := r.next(t)
	assert.Equal(t, FrameHeartbeat, f.event)
	var hb HeartbeatBody
	require.NoError(t, Decode(f.data, &hb))
	assert.Positive(t, hb.Timestamp)
}

func TestHandler_ClientDisconnect(t *testing.T) {
	fh := newFakeHub(hub.DisconnectedEvent{Timestamp: ts0})
	h := NewHandler(fh)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, cancel := open(t, srv.URL)
	r := readFrames(t, resp)
	r.next(t)
	assert.Equal(t, 1, h.NumViewers())
	assert.Equal(t, 1, fh.count())

	cancel()
	assert.Eventually(t, func() bool { return h.NumViewers() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fh.count())
	assert.Equal(t, int32(1), fh.unsubscribed.Load())
}

func TestHandler_Close(t *testing.T) {
	fh := newFakeHub(hub.DisconnectedEvent{Timestamp: ts0})
	h := NewHandler(fh)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp1, cancel1 := open(t, srv.URL)
	defer cancel1()
	resp2, cancel2 := open(t, srv.URL)
	defer cancel2()
	readFrames(t, resp1).next(t)
	readFrames(t, resp2).next(t)
	assert.Equal(t, 2, h.NumViewers())

	h.Close()
	assert.Eventually(t, func() bool { return fh.count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.NumViewers())
	assert.Equal(t, int32(2), fh.unsubscribed.Load())

	resp3, cancel3 := open(t, srv.URL)
	defer cancel3()
	assert.Equal(t, http.StatusServiceUnavailable, resp3.StatusCode)
}

func TestHandler_SlowViewerSkipsEvents(t *testing.T) {
	fh := newFakeHub()
	h := NewHandler(fh, WithQueueSize(1), WithSendTimeout(time.Millisecond))
	v := &viewer{events: make(chan hub.Event, 1), done: make(chan struct{})}

	h.enqueue(v, hub.ConnectedEvent{Timestamp: ts0})
	h.enqueue(v, hub.DisconnectedEvent{Timestamp: ts0})
	assert.Equal(t, 1, v.skipped)
	assert.Len(t, v.events, 1)

	close(v.done)
	h.enqueue(v, hub.ConnectedEvent{Timestamp: ts0})
	assert.Equal(t, 1, v.skipped)
}

type idleRealtime struct{}

func (idleRealtime) Connect(context.Context) error   { return nil }
func (idleRealtime) Reconnect(context.Context) error { return nil }
func (idleRealtime) Disconnect()                     {}
func (idleRealtime) Connected() bool                 { return false }
func (idleRealtime) GivenUp() bool                   { return false }
func (idleRealtime) Cache() model.StreamCache        { return model.StreamCache{} }

type emptyPoller struct{}

func (emptyPoller) Latest(context.Context) *model.Standings { return nil }
func (emptyPoller) Completed() bool                         { return false }

func TestHandler_WithHub(t *testing.T) {
	hb := hub.New(idleRealtime{}, emptyPoller{}, hub.WithPollInterval(10*time.Millisecond))
	defer hb.Shutdown()
	h := NewHandler(hb, WithHeartbeat(time.Minute))
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, cancel := open(t, srv.URL)
	defer cancel()
	r := readFrames(t, resp)

	f := r.next(t)
	assert.Equal(t, FrameStatus, f.event)
	var status StatusBody
	require.NoError(t, Decode(f.data, &status))
	assert.False(t, status.Connected)

	// no payload without weather data, no matter how often standings are polled
	select {
	case extra := <-r.frames:
		t.Fatalf("unexpected frame %q", extra.event)
	case <-time.After(50 * time.Millisecond):
	}

	hb.HandleRealtime(livetiming.StreamsUpdated{
		Cache: model.StreamCache{}.Merge(model.StreamWeatherData,
			model.Stream{"AirTemp": "25.0", "Rainfall": "0"}),
		Streams: []string{model.StreamWeatherData},
	})

	f = r.next(t)
	assert.Equal(t, FramePayload, f.event)
	var body map[string]any
	require.NoError(t, Decode(f.data, &body))
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	drivers, ok := data["drivers"].([]any)
	require.True(t, ok, "drivers must be an array, got %v", data["drivers"])
	assert.Empty(t, drivers)
}
