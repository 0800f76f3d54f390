package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// names of the realtime streams we subscribe to
const (
	StreamWeatherData         = "WeatherData"
	StreamRaceControlMessages = "RaceControlMessages"
)

// DefaultStreams is the stream list used if nothing else is configured
var DefaultStreams = []string{StreamWeatherData, StreamRaceControlMessages}

// FlexString accepts both json strings and numbers.
// The realtime feed sends numeric values as strings but not always.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Float returns the parsed value or 0 if the value is not a number
func (f FlexString) Float() float64 {
	if f == "" {
		return 0
	}
	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0
	}
	return v
}

type WeatherData struct {
	AirTemp       FlexString `json:"AirTemp"`
	Humidity      FlexString `json:"Humidity"`
	Pressure      FlexString `json:"Pressure"`
	Rainfall      FlexString `json:"Rainfall"`
	TrackTemp     FlexString `json:"TrackTemp"`
	WindDirection FlexString `json:"WindDirection"`
	WindSpeed     FlexString `json:"WindSpeed"`
}

type RaceControlMessage struct {
	Utc          string     `json:"Utc,omitempty"`
	Lap          *int       `json:"Lap,omitempty"`
	Category     string     `json:"Category,omitempty"`
	Message      string     `json:"Message,omitempty"`
	Status       string     `json:"Status,omitempty"`
	Flag         string     `json:"Flag,omitempty"`
	Scope        string     `json:"Scope,omitempty"`
	Sector       *int       `json:"Sector,omitempty"`
	RacingNumber FlexString `json:"RacingNumber,omitempty"`
}

// RaceControlMessageList is sent as array in the initial subscription response
// and as object keyed by the message index in incremental feed updates.
type RaceControlMessageList []RaceControlMessage

func (l *RaceControlMessageList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	if trimmed[0] == '[' {
		var list []RaceControlMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var keyed map[string]RaceControlMessage
	if err := json.Unmarshal(trimmed, &keyed); err != nil {
		return fmt.Errorf("race control messages: %w", err)
	}
	keys := make([]int, 0, len(keyed))
	for k := range keyed {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("race control messages: invalid index %q", k)
		}
		keys = append(keys, idx)
	}
	sort.Ints(keys)
	list := make([]RaceControlMessage, 0, len(keys))
	for _, k := range keys {
		list = append(list, keyed[strconv.Itoa(k)])
	}
	*l = list
	return nil
}

type RaceControlMessages struct {
	Messages RaceControlMessageList `json:"Messages,omitempty"`
}
