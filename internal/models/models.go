package models

import (
	"database/sql"
	"time"
)

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02T15:04:05Z"
)

// WeatherStation maps the knowledge-store feeds of one station onto its
// scenario table.
type WeatherStation struct {
	Name             string
	StationURI       string // bound as "place" in forecast queries
	TemperatureURI   string
	PrecipitationURI string
	WaterTableURI    string
	UsesWaterTable   bool
	Table            string
}

// Place is a simulated unit whose results live in an output table.
type Place struct {
	URI   string
	Table string
}

type ObservationWindow struct {
	From time.Time
	To   time.Time
}

// NewObservationWindow covers one calendar day, [00:00:00Z, 23:59:59Z].
func NewObservationWindow(day time.Time) ObservationWindow {
	from := Day(day)
	return ObservationWindow{From: from, To: from.Add(24*time.Hour - time.Second)}
}

type ForecastWindow struct {
	Reference time.Time // when the forecast was issued
	Forecast  time.Time // the day it predicts
}

// ScenarioRecord is one row of a station table. Values hold the decimal text
// that gets written; an invalid value is written as NULL.
type ScenarioRecord struct {
	Date       time.Time
	TMin       sql.NullString
	TMax       sql.NullString
	TAvg       sql.NullString
	Prec       sql.NullString
	WaterTable sql.NullString
}

// OutputField is a simulation result column and how it is published.
type OutputField struct {
	Column   string
	Property string
	Unit     string
}

var (
	IrrigationNeeds = OutputField{Column: "IRRIGATION", Property: "swamp:IrrigationNeeds", Unit: "unit:Millimeter"}
	LeafAreaIndex   = OutputField{Column: "LAI", Property: "swamp:LeafAreaIndex", Unit: "unit:Number"}
)

// OutputFields lists the harvested fields in publication order.
var OutputFields = []OutputField{IrrigationNeeds, LeafAreaIndex}

// Observation is a simulation result as published to the knowledge store.
type Observation struct {
	Feature     string
	Property    string
	Unit        string
	Value       string
	PredictedAt time.Time // ptime
	Time        time.Time
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func DateString(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func DateTimeString(t time.Time) string {
	return t.UTC().Format(DateTimeLayout)
}

// DaysBetween returns the whole days from one calendar day to another.
func DaysBetween(from, to time.Time) int {
	return int(Day(to).Sub(Day(from)).Hours() / 24)
}
