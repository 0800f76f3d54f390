package livetiming

import "github.com/mpapenbr/gridscout-relay/pkg/model"

// Event is one of Connected, Disconnected, Failed or StreamsUpdated
type Event interface {
	isEvent()
}

type (
	// Connected is emitted once the socket is open
	Connected struct{}
	// Disconnected is emitted when an open socket is closed
	Disconnected struct{}
	// Failed is emitted on negotiation and socket errors
	Failed struct {
		Err error
	}
	// StreamsUpdated is emitted once per frame which changed at least one stream
	StreamsUpdated struct {
		Cache   model.StreamCache
		Streams []string
	}
)

func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (Failed) isEvent()         {}
func (StreamsUpdated) isEvent() {}
