package model

import (
	"slices"
	"strings"

	"github.com/aarondl/opt/null"
)

// the terminal session states reported by the standings service
var completeStates = []string{"complete", "completed", "finished"}

type Entity struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
	Type string `json:"type"`
}

// Gap values are either lap counts or milliseconds
type Gap struct {
	TimeToLead float64 `json:"timeToLead"`
	LapsToLead int     `json:"lapsToLead"`
	TimeToNext float64 `json:"timeToNext"`
	LapsToNext int     `json:"lapsToNext"`
}

// TyreDetail describes one stint
type TyreDetail struct {
	Type string `json:"type"` // S,M,H,I,W
	Wear string `json:"wear"` // n = new, u = used
	Laps int    `json:"laps"`
}

//nolint:tagliatelle // upstream format
type Ranking struct {
	Driver               Entity            `json:"driver"`
	Team                 Entity            `json:"team"`
	Position             null.Val[int]     `json:"position"`
	CarNumber            string            `json:"carNumber"`
	Pit                  bool              `json:"pit"`
	Time                 float64           `json:"time"`
	Gap                  *Gap              `json:"gap"`
	Overtaken            bool              `json:"overtaken"`
	Lapped               bool              `json:"lapped"`
	LapsCompleted        int               `json:"lapsCompleted"`
	RaceTime             float64           `json:"raceTime"`
	FastestLapTime       float64           `json:"fastestLapTime"`
	FastestLap           bool              `json:"fastestLap"`
	PitStops             int               `json:"pitStops"`
	Retirement           null.Val[string]  `json:"retirement"`
	Tyre                 null.Val[string]  `json:"tyre"`
	TyreDetail           []TyreDetail      `json:"tyreDetail"`
	RacePoints           null.Val[float64] `json:"racePoints"`
	ChampionshipPosition null.Val[int]     `json:"championshipPosition"`
	ChampionshipPoints   null.Val[float64] `json:"championshipPoints"`
	AverageSpeed         null.Val[float64] `json:"averageSpeed"`
	BestSpeed            null.Val[float64] `json:"bestSpeed"`
	Stage                null.Val[string]  `json:"stage"`
}

// RaceDetail contains the laps on which the named flags were shown
type RaceDetail struct {
	SafetyCar        []int `json:"safetyCar"`
	VirtualSafetyCar []int `json:"virtualSafetyCar"`
	RedFlag          []int `json:"redFlag"`
}

// Standings is the snapshot delivered by the standings service
type Standings struct {
	Session            Entity      `json:"session"`
	Event              Entity      `json:"event"`
	EventNumber        int         `json:"eventNumber"`
	Season             Entity      `json:"season"`
	Series             Entity      `json:"series"`
	SessionState       string      `json:"sessionState"`
	LapTotal           int         `json:"lapTotal"`
	LapsAvailable      int         `json:"lapsAvailable"`
	RaceDetail         *RaceDetail `json:"raceDetail"`
	Lap                int         `json:"lap"`
	LapNotes           string      `json:"lapNotes"`
	Ranking            []Ranking   `json:"ranking"`
	TeamRanking        []any       `json:"teamRanking"`
	ConstructorRanking []any       `json:"constructorRanking"`

	// Canonical is a key sorted json rendition of the received document.
	// Equal documents yield equal values regardless of key order.
	Canonical string `json:"-"`
}

// IsComplete reports if the session state marks the end of the session
func (s *Standings) IsComplete() bool {
	if s == nil {
		return false
	}
	return slices.Contains(completeStates, strings.ToLower(s.SessionState))
}
