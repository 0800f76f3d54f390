package livetiming

import (
	"bytes"
	"encoding/json"

	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

type (
	// inbound frame as sent by the server
	frame struct {
		R json.RawMessage `json:"R"` // result of an invocation
		M json.RawMessage `json:"M"` // hub messages
	}
	hubMessage struct {
		H string            `json:"H"`
		M string            `json:"M"`
		A []json.RawMessage `json:"A"`
	}
	// outbound invocation
	invocation struct {
		H string `json:"H"`
		M string `json:"M"`
		A []any  `json:"A"`
		I int    `json:"I"`
	}
	streamUpdate struct {
		name string
		data model.Stream
	}
)

const feedMethod = "feed"

// parseFrame extracts the stream updates of a frame in their order of appearance.
// Frames without stream data yield no updates and no error.
func parseFrame(data []byte, hub string, streams []string) ([]streamUpdate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &FrameParseError{Len: len(data), Err: err}
	}
	wanted := func(name string) bool {
		for _, s := range streams {
			if s == name {
				return true
			}
		}
		return false
	}
	ret := []streamUpdate{}
	add := func(name string, raw json.RawMessage) {
		if !wanted(name) {
			return
		}
		var s model.Stream
		// only objects are merged, null and scalars are ignored
		if err := json.Unmarshal(raw, &s); err != nil || s == nil {
			return
		}
		ret = append(ret, streamUpdate{name: name, data: s})
	}

	if len(f.R) > 0 {
		var initial map[string]json.RawMessage
		// results of other invocations are not keyed by stream name
		if err := json.Unmarshal(f.R, &initial); err == nil {
			// stream order within the result is not defined, use the subscription order
			for _, name := range streams {
				if raw, ok := initial[name]; ok {
					add(name, raw)
				}
			}
		}
	}
	if len(f.M) > 0 {
		var msgs []hubMessage
		if err := json.Unmarshal(f.M, &msgs); err == nil {
			for _, msg := range msgs {
				if msg.H != hub || msg.M != feedMethod || len(msg.A) < 2 {
					continue
				}
				var name string
				if err := json.Unmarshal(msg.A[0], &name); err != nil {
					continue
				}
				add(name, msg.A[1])
			}
		}
	}
	return ret, nil
}
