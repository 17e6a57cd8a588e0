package ingest

import (
	"database/sql"
	"strconv"

	"github.com/lox/criteriasync/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagTempInverted       = "temp_min_above_max"
	FlagPrecipNegative     = "precip_negative"
	FlagPrecipUnlikely     = "precip_unlikely"
	FlagWaterTableNegative = "watertable_negative"
)

func number(v sql.NullString) (float64, bool) {
	if !v.Valid {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.String, 64)
	return f, err == nil
}

// ValidateRecord flags implausible values. Records are written as-is
// whatever the flags say.
func ValidateRecord(rec models.ScenarioRecord) []string {
	var flags []string

	tmin, hasMin := number(rec.TMin)
	tmax, hasMax := number(rec.TMax)
	tavg, hasAvg := number(rec.TAvg)

	for _, t := range []struct {
		v  float64
		ok bool
	}{{tmin, hasMin}, {tmax, hasMax}, {tavg, hasAvg}} {
		if t.ok && (t.v < -50 || t.v > 60) {
			flags = append(flags, FlagTempOutOfRange)
			break
		}
	}

	if hasMin && hasMax && tmin > tmax {
		flags = append(flags, FlagTempInverted)
	}

	if prec, ok := number(rec.Prec); ok {
		if prec < 0 {
			flags = append(flags, FlagPrecipNegative)
		} else if prec > 500 {
			flags = append(flags, FlagPrecipUnlikely)
		}
	}

	if wt, ok := number(rec.WaterTable); ok && wt < 0 {
		flags = append(flags, FlagWaterTableNegative)
	}

	return flags
}
