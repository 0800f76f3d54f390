package transform

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/mpapenbr/gridscout-relay/pkg/model"
)

const (
	leader      = "LEADER"
	kphToMph    = 0.621371
	defaultTyre = "M"
)

// Drivers converts the classified entries of the ranking.
// The order of the ranking is kept.
func Drivers(ranking []model.Ranking) []model.DriverTelemetry {
	classified := lo.Filter(ranking, func(r model.Ranking, _ int) bool {
		return r.Position.IsValue()
	})
	return lo.Map(classified, func(r model.Ranking, _ int) model.DriverTelemetry {
		return convertDriver(&r)
	})
}

func convertDriver(r *model.Ranking) model.DriverTelemetry {
	pos := r.Position.GetOrZero()
	lastMs := millis(r.Time)
	bestMs := millis(r.FastestLapTime)
	current, history := tyres(r)
	return model.DriverTelemetry{
		UUID:            r.Driver.UUID,
		TLA:             TLA(r.Driver.Name),
		Position:        pos,
		PositionChange:  0,
		TeamID:          r.Team.UUID,
		Gap:             Gap(r.Gap, pos),
		Interval:        Interval(r.Gap, pos),
		LastLapTime:     LapTime(lastMs),
		LastLapTimeMs:   lastMs,
		BestLapTime:     LapTime(bestMs),
		BestLapTimeMs:   bestMs,
		AverageSpeedMph: Mph(r.AverageSpeed.GetOrZero()),
		PitStatus:       lo.Ternary(r.Pit, model.PitStatusInPit, model.PitStatusOnTrack),
		PitStopCount:    r.PitStops,
		Retired:         r.Retirement.IsValue() && r.Retirement.GetOrZero() != "",
		CurrentTyre:     current,
		TyreHistory:     history,
	}
}

// tyres splits the stints into the current tyre and the previous stints
func tyres(r *model.Ranking) (model.CurrentTyre, []model.TyreStint) {
	if len(r.TyreDetail) == 0 {
		return model.CurrentTyre{
			Compound: Compound(r.Tyre.GetOr(defaultTyre)),
			AgeLaps:  0,
			IsNew:    true,
		}, []model.TyreStint{}
	}
	last := r.TyreDetail[len(r.TyreDetail)-1]
	history := lo.Map(r.TyreDetail[:len(r.TyreDetail)-1],
		func(t model.TyreDetail, _ int) model.TyreStint {
			return model.TyreStint{Compound: Compound(t.Type), Laps: t.Laps, Wear: t.Wear}
		})
	return model.CurrentTyre{
		Compound: Compound(last.Type),
		AgeLaps:  last.Laps,
		IsNew:    last.Wear == "n",
		Wear:     last.Wear,
	}, history
}

// Compound maps the single letter tyre code, unknown codes yield medium
func Compound(code string) model.TyreCompound {
	switch strings.ToUpper(code) {
	case "S":
		return model.CompoundSoft
	case "M":
		return model.CompoundMedium
	case "H":
		return model.CompoundHard
	case "I":
		return model.CompoundIntermediate
	case "W":
		return model.CompoundWet
	default:
		return model.CompoundMedium
	}
}

// TLA returns the first 3 letters of the last name, uppercased.
// Shorter names are not padded.
func TLA(fullName string) string {
	parts := strings.Fields(fullName)
	if len(parts) == 0 {
		return ""
	}
	last := strings.ToUpper(parts[len(parts)-1])
	if utf8.RuneCountInString(last) <= 3 {
		return last
	}
	return string([]rune(last)[:3])
}

// Gap formats the gap to the leader
func Gap(g *model.Gap, position int) string {
	if position == 1 {
		return leader
	}
	if g == nil {
		return ""
	}
	return formatDelta(g.LapsToLead, g.TimeToLead)
}

// Interval formats the gap to the car ahead. The leader has no interval.
func Interval(g *model.Gap, position int) string {
	if position == 1 || g == nil {
		return ""
	}
	return formatDelta(g.LapsToNext, g.TimeToNext)
}

func formatDelta(laps int, ms float64) string {
	switch {
	case laps == 1:
		return "+1 LAP"
	case laps > 1:
		return "+" + strconv.Itoa(laps) + " LAPS"
	default:
		return "+" + decimal.NewFromFloat(ms).Shift(-3).StringFixed(3)
	}
}

// LapTime formats milliseconds as M:SS.mmm or SS.mmm.
// Non positive values yield an empty string.
func LapTime(ms int64) string {
	if ms <= 0 {
		return ""
	}
	minutes := ms / 60000
	rest := decimal.New(ms%60000, -3)
	if minutes > 0 {
		s := rest.StringFixed(3)
		if rest.LessThan(decimal.NewFromInt(10)) {
			s = "0" + s
		}
		return strconv.FormatInt(minutes, 10) + ":" + s
	}
	return rest.StringFixed(3)
}

// Mph converts km/h, rounded to 3 decimals
func Mph(kph float64) float64 {
	v, _ := decimal.NewFromFloat(kph).
		Mul(decimal.NewFromFloat(kphToMph)).
		Round(3).
		Float64()
	return v
}

func millis(v float64) int64 {
	return int64(math.Round(v))
}
