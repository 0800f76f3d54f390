package hub

import (
	"time"

	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

// event types as seen by consumers
const (
	TypePayload      = "payload"
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
	TypeError        = "error"
)

// Event is one of PayloadEvent, ConnectedEvent, DisconnectedEvent or ErrorEvent
type Event interface {
	Type() string
	Time() time.Time
	isEvent()
}

type (
	PayloadEvent struct {
		Payload   *model.Payload
		Timestamp time.Time
	}
	ConnectedEvent struct {
		Timestamp time.Time
	}
	DisconnectedEvent struct {
		Timestamp time.Time
	}
	ErrorEvent struct {
		Err       error
		Timestamp time.Time
	}
)

// Callback receives hub events. Callbacks must not block and must not call
// Subscribe. Calling the unsubscribe function is allowed.
type Callback func(Event)

func (e PayloadEvent) Type() string      { return TypePayload }
func (e ConnectedEvent) Type() string    { return TypeConnected }
func (e DisconnectedEvent) Type() string { return TypeDisconnected }
func (e ErrorEvent) Type() string        { return TypeError }

func (e PayloadEvent) Time() time.Time      { return e.Timestamp }
func (e ConnectedEvent) Time() time.Time    { return e.Timestamp }
func (e DisconnectedEvent) Time() time.Time { return e.Timestamp }
func (e ErrorEvent) Time() time.Time        { return e.Timestamp }

func (PayloadEvent) isEvent()      {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (ErrorEvent) isEvent()        {}
