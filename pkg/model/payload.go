package model

// Payload is the normalized snapshot delivered to viewers
type Payload struct {
	Session             SessionInfo        `json:"session"`
	Event               EventInfo          `json:"event"`
	Weather             Weather            `json:"weather"`
	TrackStatus         TrackStatus        `json:"trackStatus"`
	Drivers             []DriverTelemetry  `json:"drivers"`
	RaceControlMessages []RaceControlEntry `json:"raceControlMessages"`
}

type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
	SessionInactive SessionStatus = "inactive"
)

type SessionInfo struct {
	Name     string        `json:"name"`
	Status   SessionStatus `json:"status"`
	Lap      int           `json:"lap"`
	LapTotal int           `json:"lapTotal"`
}

type Country struct {
	Name   string `json:"name"`
	Alpha3 string `json:"alpha3"`
}

type EventInfo struct {
	Name    string  `json:"name"`
	Country Country `json:"country"`
}

type Wind struct {
	SpeedKmh         float64 `json:"speedKmh"`
	DirectionDeg     float64 `json:"directionDeg"`
	DirectionCompass string  `json:"directionCompass"`
}

type Weather struct {
	Conditions      string  `json:"conditions"`
	Wind            Wind    `json:"wind"`
	TrackTempC      float64 `json:"trackTempC"`
	AirTempC        float64 `json:"airTempC"`
	HumidityPercent float64 `json:"humidityPercent"`
	PressureHpa     float64 `json:"pressureHpa"`
}

type FlagStatus string

const (
	FlagGreen FlagStatus = "green"
	FlagSC    FlagStatus = "sc"
	FlagVSC   FlagStatus = "vsc"
	FlagRed   FlagStatus = "red"
)

type TrackStatus struct {
	Message    string     `json:"message"`
	FlagStatus FlagStatus `json:"flagStatus"`
}

type TyreCompound string

const (
	CompoundSoft         TyreCompound = "soft"
	CompoundMedium       TyreCompound = "medium"
	CompoundHard         TyreCompound = "hard"
	CompoundIntermediate TyreCompound = "intermediate"
	CompoundWet          TyreCompound = "wet"
)

type CurrentTyre struct {
	Compound TyreCompound `json:"compound"`
	AgeLaps  int          `json:"ageLaps"`
	IsNew    bool         `json:"isNew"`
	Wear     string       `json:"wear,omitempty"`
}

type TyreStint struct {
	Compound TyreCompound `json:"compound"`
	Laps     int          `json:"laps"`
	Wear     string       `json:"wear,omitempty"`
}

type PitStatus string

const (
	PitStatusInPit   PitStatus = "in_pit"
	PitStatusOnTrack PitStatus = "on_track"
)

type DriverTelemetry struct {
	UUID            string      `json:"uuid"`
	TLA             string      `json:"tla"`
	Position        int         `json:"position"`
	PositionChange  int         `json:"positionChange"`
	TeamID          string      `json:"teamId"`
	Gap             string      `json:"gap"`
	Interval        string      `json:"interval"`
	LastLapTime     string      `json:"lastLapTime"`
	LastLapTimeMs   int64       `json:"lastLapTimeMs"`
	BestLapTime     string      `json:"bestLapTime"`
	BestLapTimeMs   int64       `json:"bestLapTimeMs"`
	AverageSpeedMph float64     `json:"averageSpeedMph"`
	PitStatus       PitStatus   `json:"pitStatus"`
	PitStopCount    int         `json:"pitStopCount"`
	Retired         bool        `json:"retired"`
	CurrentTyre     CurrentTyre `json:"currentTyre"`
	TyreHistory     []TyreStint `json:"tyreHistory"`
}

type RaceControlEntry struct {
	ID       string `json:"id"`
	Utc      string `json:"utc"`
	Lap      int    `json:"lap"`
	Category string `json:"category"`
	Message  string `json:"message"`
}
