// Package transform merges the realtime streams and the standings snapshot
// into the payload delivered to viewers.
package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

const (
	unknownSession = "Unknown Session"
	unknownEvent   = "Unknown Event"
)

// Options holds data no upstream source provides
type Options struct {
	Country model.Country
}

// ToPayload returns nil as long as no weather data is cached. An error is
// returned if the cached weather data cannot be decoded.
// The result depends on the arguments only.
//
//nolint:whitespace // can't make both editor and linter happy
func ToPayload(
	cache model.StreamCache,
	standings *model.Standings,
	opts Options,
) (*model.Payload, error) {
	var weather model.WeatherData
	ok, err := cache.Decode(model.StreamWeatherData, &weather)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", model.StreamWeatherData, err)
	}
	if !ok {
		return nil, nil //nolint:nilnil // no weather yet
	}
	var rc model.RaceControlMessages
	if _, err := cache.Decode(model.StreamRaceControlMessages, &rc); err != nil {
		rc = model.RaceControlMessages{}
	}

	ret := &model.Payload{
		Session: model.SessionInfo{
			Name:   unknownSession,
			Status: model.SessionInactive,
		},
		Event: model.EventInfo{
			Name:    unknownEvent,
			Country: opts.Country,
		},
		Weather:             convertWeather(&weather),
		TrackStatus:         TrackStatus(nil, 0),
		Drivers:             []model.DriverTelemetry{},
		RaceControlMessages: RaceControlMessages(rc.Messages),
	}
	if standings != nil {
		ret.Session = model.SessionInfo{
			Name:     lo.Ternary(standings.Session.Name != "", standings.Session.Name, unknownSession),
			Status:   SessionStatus(standings.SessionState),
			Lap:      standings.Lap,
			LapTotal: standings.LapTotal,
		}
		if standings.Event.Name != "" {
			ret.Event.Name = standings.Event.Name
		}
		ret.TrackStatus = TrackStatus(standings.RaceDetail, standings.Lap)
		ret.Drivers = Drivers(standings.Ranking)
	}
	return ret, nil
}

func convertWeather(w *model.WeatherData) model.Weather {
	dir := w.WindDirection.Float()
	return model.Weather{
		Conditions: lo.Ternary(w.Rainfall == "1", "Rainy", "Sunny"),
		Wind: model.Wind{
			SpeedKmh:         w.WindSpeed.Float(),
			DirectionDeg:     dir,
			DirectionCompass: Compass(dir),
		},
		TrackTempC:      w.TrackTemp.Float(),
		AirTempC:        w.AirTemp.Float(),
		HumidityPercent: w.Humidity.Float(),
		PressureHpa:     w.Pressure.Float(),
	}
}

var compassPoints = []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Compass maps degrees to one of 8 compass points
func Compass(deg float64) string {
	idx := int(math.Floor(deg/45+0.5)) % len(compassPoints)
	if idx < 0 {
		idx += len(compassPoints)
	}
	return compassPoints[idx]
}

// SessionStatus maps the session state of the standings service
func SessionStatus(state string) model.SessionStatus {
	switch strings.ToLower(state) {
	case "running", "live":
		return model.SessionActive
	case "complete", "completed", "finished":
		return model.SessionFinished
	default:
		return model.SessionInactive
	}
}

var (
	statusClear = model.TrackStatus{
		Message:    "TRACK CLEAR — NO CURRENT OBSTRUCTIONS",
		FlagStatus: model.FlagGreen,
	}
	statusRed = model.TrackStatus{
		Message:    "RED FLAG — SESSION SUSPENDED",
		FlagStatus: model.FlagRed,
	}
	statusSC = model.TrackStatus{
		Message:    "SAFETY CAR DEPLOYED",
		FlagStatus: model.FlagSC,
	}
	statusVSC = model.TrackStatus{
		Message:    "VIRTUAL SAFETY CAR",
		FlagStatus: model.FlagVSC,
	}
)

// TrackStatus derives the flag from the laps on which flags were recorded.
// A flag recorded for the current lap is treated as active. There is no
// information when a flag ended, so it stays active for the whole lap.
// Priority is red, safety car, virtual safety car.
func TrackStatus(rd *model.RaceDetail, lap int) model.TrackStatus {
	switch {
	case rd == nil:
		return statusClear
	case lo.Contains(rd.RedFlag, lap):
		return statusRed
	case lo.Contains(rd.SafetyCar, lap):
		return statusSC
	case lo.Contains(rd.VirtualSafetyCar, lap):
		return statusVSC
	default:
		return statusClear
	}
}

const rcTimeLayout = "2006-01-02T15:04:05.000Z"

// RaceControlMessages returns the messages newest first
func RaceControlMessages(msgs []model.RaceControlMessage) []model.RaceControlEntry {
	ret := lo.Map(msgs, func(m model.RaceControlMessage, idx int) model.RaceControlEntry {
		lap := 0
		if m.Lap != nil {
			lap = *m.Lap
		}
		return model.RaceControlEntry{
			ID:       m.Utc + "-" + strconv.Itoa(idx),
			Utc:      isoTime(m.Utc),
			Lap:      lap,
			Category: lo.Ternary(m.Category != "", m.Category, "RACE CONTROL"),
			Message:  m.Message,
		}
	})
	return lo.Reverse(ret)
}

// isoTime normalizes the feed timestamps which come without zone (UTC)
func isoTime(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(rcTimeLayout)
		}
	}
	return ""
}
