package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/mpapenbr/gridscout-relay/pkg/hub"
	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

// frame types on the wire
const (
	FrameStatus    = "status"
	FramePayload   = "payload"
	FrameError     = "error"
	FrameHeartbeat = "heartbeat"
)

type (
	StatusBody struct {
		Connected bool  `json:"connected"`
		Timestamp int64 `json:"timestamp"`
	}
	PayloadBody struct {
		Data      *model.Payload `json:"data"`
		Timestamp int64          `json:"timestamp"`
	}
	ErrorBody struct {
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	HeartbeatBody struct {
		Timestamp int64 `json:"timestamp"`
	}
)

type frame struct {
	event string
	body  any
}

// toFrame maps a hub event to the frame sent to viewers
func toFrame(ev hub.Event) frame {
	ts := ev.Time().UnixMilli()
	switch e := ev.(type) {
	case hub.PayloadEvent:
		return frame{FramePayload, PayloadBody{Data: e.Payload, Timestamp: ts}}
	case hub.ConnectedEvent:
		return frame{FrameStatus, StatusBody{Connected: true, Timestamp: ts}}
	case hub.DisconnectedEvent:
		return frame{FrameStatus, StatusBody{Connected: false, Timestamp: ts}}
	case hub.ErrorEvent:
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return frame{FrameError, ErrorBody{Message: msg, Timestamp: ts}}
	default:
		return frame{FrameError, ErrorBody{
			Message:   fmt.Sprintf("unsupported event %s", ev.Type()),
			Timestamp: ts,
		}}
	}
}

// Encode writes one event-stream frame. The body is json, compressed with
// zlib and base64 encoded.
func Encode(w io.Writer, event string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n",
		event, base64.StdEncoding.EncodeToString(buf.Bytes()))
	return err
}

// Decode reverses Encode for the data line of a frame
func Decode(data string, target any) error {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return err
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer zr.Close()
	return json.NewDecoder(zr).Decode(target)
}
