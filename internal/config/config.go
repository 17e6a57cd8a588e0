// Package config builds the immutable run configuration from command-line
// values and the JSAP catalog.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/criteriasync/internal/jsap"
	"github.com/lox/criteriasync/internal/models"
	"github.com/lox/criteriasync/internal/store"
)

const (
	DefaultCommandLine  = "./CRITERIA1D"
	DefaultScenarioDB   = "data/weather.db"
	DefaultOutputDB     = "data/swamp.db"
	DefaultForecastDays = 3

	extendedWeather = "weather"
	extendedPlaces  = "places"
)

// Options are the values supplied on the command line or environment.
type Options struct {
	CommandLine      string
	ScenarioDB       string
	OutputDB         string
	ForecastDays     int
	StatementTimeout time.Duration
}

// Config is built once and shared read-only by every component.
type Config struct {
	CommandLine      string
	ScenarioDB       string
	OutputDB         string
	ForecastDays     int
	StatementTimeout time.Duration
	Stations         []models.WeatherStation
	Places           []models.Place
}

type stationEntry struct {
	Name             string `json:"name"`
	StationURI       string `json:"stationUri"`
	TemperatureURI   string `json:"temperatureUri"`
	PrecipitationURI string `json:"precipitationUri"`
	WaterTableURI    string `json:"watertableUri"`
	UseWaterTable    bool   `json:"useWaterTable"`
	Table            string `json:"table"`
}

// Load combines opts with the station and place catalogs in doc and
// validates the result.
func Load(opts Options, doc *jsap.Document) (Config, error) {
	cfg := Config{
		CommandLine:      opts.CommandLine,
		ScenarioDB:       opts.ScenarioDB,
		OutputDB:         opts.OutputDB,
		ForecastDays:     opts.ForecastDays,
		StatementTimeout: opts.StatementTimeout,
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = store.DefaultStatementTimeout
	}

	var entries []stationEntry
	if _, err := doc.ExtendedData(extendedWeather, &entries); err != nil {
		return Config{}, err
	}
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.Table
		}
		cfg.Stations = append(cfg.Stations, models.WeatherStation{
			Name:             name,
			StationURI:       e.StationURI,
			TemperatureURI:   e.TemperatureURI,
			PrecipitationURI: e.PrecipitationURI,
			WaterTableURI:    e.WaterTableURI,
			UsesWaterTable:   e.UseWaterTable,
			Table:            e.Table,
		})
	}

	places := map[string]string{}
	if _, err := doc.ExtendedData(extendedPlaces, &places); err != nil {
		return Config{}, err
	}
	for uri, table := range places {
		cfg.Places = append(cfg.Places, models.Place{URI: uri, Table: table})
	}
	sort.Slice(cfg.Places, func(i, j int) bool { return cfg.Places[i].URI < cfg.Places[j].URI })

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, not only the first.
func (c Config) Validate() error {
	var result *multierror.Error

	if strings.TrimSpace(c.CommandLine) == "" {
		result = multierror.Append(result, errors.New("simulation command line is empty"))
	}
	if c.ScenarioDB == "" {
		result = multierror.Append(result, errors.New("scenario database path is empty"))
	}
	if c.OutputDB == "" {
		result = multierror.Append(result, errors.New("output database path is empty"))
	}
	if c.ForecastDays < 1 {
		result = multierror.Append(result, fmt.Errorf("forecast days must be at least 1, got %d", c.ForecastDays))
	}

	seen := map[string]bool{}
	for i, s := range c.Stations {
		if !store.ValidIdentifier(s.Table) {
			result = multierror.Append(result, fmt.Errorf("station %d: invalid table name %q", i, s.Table))
		}
		if seen[s.Table] {
			result = multierror.Append(result, fmt.Errorf("station %d: table %q used twice", i, s.Table))
		}
		seen[s.Table] = true
		if s.TemperatureURI == "" || s.PrecipitationURI == "" {
			result = multierror.Append(result, fmt.Errorf("station %s: missing sensor feed", s.Name))
		}
		if s.UsesWaterTable && s.WaterTableURI == "" {
			result = multierror.Append(result, fmt.Errorf("station %s: water table enabled without a feed", s.Name))
		}
		if s.StationURI == "" {
			result = multierror.Append(result, fmt.Errorf("station %s: missing station uri", s.Name))
		}
	}
	for _, p := range c.Places {
		if !store.ValidIdentifier(p.Table) {
			result = multierror.Append(result, fmt.Errorf("place %s: invalid table name %q", p.URI, p.Table))
		}
	}

	return result.ErrorOrNil()
}

// StationTables returns the scenario table of every station, in catalog order.
func (c Config) StationTables() []string {
	tables := make([]string, 0, len(c.Stations))
	for _, s := range c.Stations {
		tables = append(tables, s.Table)
	}
	return tables
}
