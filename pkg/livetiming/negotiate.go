package livetiming

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mpapenbr/gridscout-relay/pkg/utils"
)

const (
	userAgent      = "BestHTTP"
	acceptEncoding = "gzip,identity"
)

type negotiateResponse struct {
	ConnectionToken string `json:"ConnectionToken"`
	ProtocolVersion string `json:"ProtocolVersion"`
}

// connectionData is the url encoded hub descriptor list
func (c *Client) connectionData() string {
	data, _ := json.Marshal([]map[string]string{{"name": c.hub}})
	return string(data)
}

func (c *Client) negotiateURL() string {
	u := c.baseURL.JoinPath("signalr", "negotiate")
	q := url.Values{}
	q.Set("connectionData", c.connectionData())
	q.Set("clientProtocol", c.protocol)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) connectURL(token string) string {
	u := c.baseURL.JoinPath("signalr", "connect")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := url.Values{}
	q.Set("clientProtocol", c.protocol)
	q.Set("transport", "webSockets")
	q.Set("connectionToken", token)
	q.Set("connectionData", c.connectionData())
	u.RawQuery = q.Encode()
	return u.String()
}

// joinCookies keeps the name=value part of each Set-Cookie header
func joinCookies(setCookie []string) string {
	parts := make([]string, 0, len(setCookie))
	for _, sc := range setCookie {
		nv, _, _ := strings.Cut(sc, ";")
		if nv = strings.TrimSpace(nv); nv != "" {
			parts = append(parts, nv)
		}
	}
	return strings.Join(parts, "; ")
}

//nolint:whitespace // can't make both editor and linter happy
func (c *Client) negotiate(ctx context.Context) (
	token, cookie string, err error,
) {
	ctx, span := c.tracer.Start(ctx, "livetiming.negotiate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.negotiateURL(), http.NoBody)
	if err != nil {
		return "", "", &NegotiationError{Reason: "invalid request", Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", &NegotiationError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", &NegotiationError{
			StatusCode: resp.StatusCode,
			Reason:     "unexpected status",
		}
	}

	var body io.Reader = resp.Body
	// we asked for gzip ourselves, so the transport won't decompress
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, gzErr := gzip.NewReader(resp.Body)
		if gzErr != nil {
			return "", "", &NegotiationError{Reason: "invalid gzip body", Err: gzErr}
		}
		defer gz.Close()
		body = gz
	}

	var data negotiateResponse
	if err = json.NewDecoder(body).Decode(&data); err != nil {
		return "", "", &NegotiationError{Reason: "invalid body", Err: err}
	}
	if data.ConnectionToken == "" {
		return "", "", &NegotiationError{Reason: "no connection token"}
	}
	if err = utils.CheckProtocolVersion(c.protocol, data.ProtocolVersion); err != nil {
		return "", "", &NegotiationError{Reason: "incompatible protocol", Err: err}
	}
	cookie = joinCookies(resp.Header.Values("Set-Cookie"))
	if cookie == "" {
		return "", "", &NegotiationError{Reason: "no session cookie"}
	}
	return data.ConnectionToken, cookie, nil
}
