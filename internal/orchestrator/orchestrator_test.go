package orchestrator

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/criteriasync/internal/config"
	"github.com/lox/criteriasync/internal/harvest"
	"github.com/lox/criteriasync/internal/ingest"
	"github.com/lox/criteriasync/internal/kb"
	"github.com/lox/criteriasync/internal/logging"
	"github.com/lox/criteriasync/internal/models"
	"github.com/lox/criteriasync/internal/simulation"
	"github.com/lox/criteriasync/internal/store"
)

type fakeKB struct {
	mu      sync.Mutex
	queries int
	updates []kb.Bindings
}

func (f *fakeKB) Query(_ context.Context, name string, _ kb.Bindings) (kb.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	switch name {
	case ingest.QueryTemperature, ingest.QueryTemperatureForecast:
		return kb.Rows{{"min": "9", "max": "21", "avg": "15"}}, nil
	case ingest.QueryPrecipitation, ingest.QueryPrecipitationForecast:
		return kb.Rows{{"sum": "1.5"}}, nil
	}
	return nil, nil
}

func (f *fakeKB) Update(_ context.Context, name string, b kb.Bindings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != harvest.UpdateAddObservationForecast {
		return errors.New("unexpected update " + name)
	}
	f.updates = append(f.updates, b)
	return nil
}

// fakeEngine stands in for the simulator: it writes one output row per run
// for the day it was told about.
type fakeEngine struct {
	t       *testing.T
	outputs string
	day     time.Time
	runs    int
	fail    error
}

func (e *fakeEngine) Run(context.Context) (simulation.Result, error) {
	e.runs++
	if e.fail != nil {
		return simulation.Result{}, e.fail
	}
	db, err := sql.Open("sqlite", e.outputs)
	require.NoError(e.t, err)
	defer db.Close()
	_, err = db.Exec(`INSERT INTO pear (date, IRRIGATION, LAI) VALUES (?, 3.5, 1.25)`, models.DateString(e.day))
	require.NoError(e.t, err)
	return simulation.Result{}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		CommandLine:      "./CRITERIA1D",
		ScenarioDB:       filepath.Join(dir, "weather.db"),
		OutputDB:         filepath.Join(dir, "swamp.db"),
		ForecastDays:     3,
		StatementTimeout: time.Second,
		Stations: []models.WeatherStation{{
			Name:             "S1",
			StationURI:       "http://swamp-project.org/cbec/station_01",
			TemperatureURI:   "http://swamp-project.org/cbec/obs/temp_01",
			PrecipitationURI: "http://swamp-project.org/cbec/obs/prec_01",
			Table:            "meteo",
		}},
		Places: []models.Place{{URI: "http://swamp-project.org/cbec/field_25", Table: "pear"}},
	}
	require.NoError(t, cfg.Validate())

	db, err := sql.Open("sqlite", cfg.OutputDB)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE pear (date TEXT, IRRIGATION REAL, LAI REAL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return cfg
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(models.DateLayout, s)
	require.NoError(t, err)
	return d
}

func scenarioDates(t *testing.T, cfg config.Config) []string {
	t.Helper()
	st, err := store.Open(cfg.ScenarioDB, time.Second)
	require.NoError(t, err)
	defer st.Close()
	rows, err := st.WeatherRows(context.Background(), "meteo")
	require.NoError(t, err)
	var dates []string
	for _, r := range rows {
		dates = append(dates, r.Date)
	}
	return dates
}

func TestRunDay(t *testing.T) {
	cfg := testConfig(t)
	q := &fakeKB{}
	engine := &fakeEngine{t: t, outputs: cfg.OutputDB, day: day(t, "2020-05-12")}
	svc := NewService(cfg, q, engine, logging.Discard())

	require.NoError(t, svc.RunDay(context.Background(), day(t, "2020-05-11")))

	assert.Equal(t, []string{"2020-05-10", "2020-05-11", "2020-05-12", "2020-05-13"}, scenarioDates(t, cfg))
	assert.Equal(t, 1, engine.runs)

	// one IRRIGATION and one LAI value for 2020-05-12, issued 2020-05-11
	require.Len(t, q.updates, 2)
	for _, b := range q.updates {
		assert.Equal(t, "2020-05-12T00:00:00Z", b["ptime"].Value)
		assert.Equal(t, "2020-05-11T00:00:00Z", b["time"].Value)
	}
}

func TestRunDay_EngineStartFailure(t *testing.T) {
	cfg := testConfig(t)
	q := &fakeKB{}
	engine := &fakeEngine{t: t, fail: errors.New("exec: not found")}
	svc := NewService(cfg, q, engine, logging.Discard())

	err := svc.RunDay(context.Background(), day(t, "2020-05-11"))
	require.Error(t, err)
	assert.Empty(t, q.updates)
}

func TestRunDay_StorageFailureSkipsEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScenarioDB = filepath.Join(t.TempDir(), "missing", "weather.db")
	q := &fakeKB{}
	engine := &fakeEngine{t: t}
	svc := NewService(cfg, q, engine, logging.Discard())

	require.Error(t, svc.RunDay(context.Background(), day(t, "2020-05-11")))
	assert.Equal(t, 0, engine.runs)
}

func TestSetWeatherOnly(t *testing.T) {
	cfg := testConfig(t)
	q := &fakeKB{}
	engine := &fakeEngine{t: t}
	svc := NewService(cfg, q, engine, logging.Discard())

	require.NoError(t, svc.SetWeatherOnly(context.Background(), day(t, "2020-05-11")))
	assert.Len(t, scenarioDates(t, cfg), 4)
	assert.Equal(t, 0, engine.runs)
	assert.Empty(t, q.updates)
}

type flakyPrecipitationKB struct {
	*fakeKB
}

func (f flakyPrecipitationKB) Query(ctx context.Context, name string, b kb.Bindings) (kb.Rows, error) {
	if name == ingest.QueryPrecipitation {
		return nil, errors.New("precipitation endpoint down")
	}
	return f.fakeKB.Query(ctx, name, b)
}

func TestSetWeatherOnly_LogsMissDetails(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(&buf, "info", "text")
	require.NoError(t, err)
	svc := NewService(cfg, flakyPrecipitationKB{&fakeKB{}}, &fakeEngine{t: t}, logger)

	require.NoError(t, svc.SetWeatherOnly(context.Background(), day(t, "2020-05-11")))
	out := buf.String()
	assert.Contains(t, out, "synchronized with missing data")
	assert.Contains(t, out, "precipitation endpoint down")
}

func TestRunRange(t *testing.T) {
	cfg := testConfig(t)
	q := &fakeKB{}
	engine := &fakeEngine{t: t, outputs: cfg.OutputDB, day: day(t, "2020-05-20")}
	svc := NewService(cfg, q, engine, logging.Discard())

	require.NoError(t, svc.RunRange(context.Background(), day(t, "2020-05-10"), day(t, "2020-05-12"), ModeFull))
	assert.Equal(t, 3, engine.runs)
	assert.Equal(t, []string{
		"2020-05-09", "2020-05-10", "2020-05-11", "2020-05-12", "2020-05-13", "2020-05-14",
	}, scenarioDates(t, cfg))
}

func TestRunRange_WeatherOnly(t *testing.T) {
	cfg := testConfig(t)
	q := &fakeKB{}
	engine := &fakeEngine{t: t}
	svc := NewService(cfg, q, engine, logging.Discard())

	require.NoError(t, svc.RunRange(context.Background(), day(t, "2020-05-10"), day(t, "2020-05-11"), ModeWeatherOnly))
	assert.Equal(t, 0, engine.runs)
	assert.Len(t, scenarioDates(t, cfg), 5)
}

func TestRunRange_Copy(t *testing.T) {
	cfg := testConfig(t)
	db, err := sql.Open("sqlite", cfg.OutputDB)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO pear VALUES ('2020-05-10', 1, 0.5), ('2020-05-12', 2, 0.6), ('2020-05-13', 3, 0.7)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	q := &fakeKB{}
	engine := &fakeEngine{t: t}
	svc := NewService(cfg, q, engine, logging.Discard())

	require.NoError(t, svc.RunRange(context.Background(), day(t, "2020-05-10"), day(t, "2020-05-12"), ModeCopy))
	assert.Equal(t, 0, engine.runs)
	assert.Equal(t, 0, q.queries)

	// 2020-05-13 is outside the inclusive range
	require.Len(t, q.updates, 4)
	for _, b := range q.updates {
		assert.Equal(t, b["ptime"].Value, b["time"].Value)
	}
}

func TestRunRange_CancelledBetweenDays(t *testing.T) {
	cfg := testConfig(t)
	q := &fakeKB{}
	ctx, cancel := context.WithCancel(context.Background())
	engine := &cancellingEngine{cancel: cancel}
	svc := NewService(cfg, q, engine, logging.Discard())

	err := svc.RunRange(ctx, day(t, "2020-05-10"), day(t, "2020-05-14"), ModeFull)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, engine.runs, "the day in progress completes, the next is not started")
}

func TestRunRange_InvertedRange(t *testing.T) {
	svc := NewService(testConfig(t), &fakeKB{}, &fakeEngine{t: t}, logging.Discard())
	require.Error(t, svc.RunRange(context.Background(), day(t, "2020-05-12"), day(t, "2020-05-10"), ModeFull))
}

type cancellingEngine struct {
	cancel context.CancelFunc
	runs   int
}

func (e *cancellingEngine) Run(context.Context) (simulation.Result, error) {
	e.runs++
	e.cancel()
	return simulation.Result{ExitCode: 1}, nil
}

type recordingRunner struct {
	mu   sync.Mutex
	days []time.Time
	err  error
}

func (r *recordingRunner) RunDay(_ context.Context, day time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.days = append(r.days, day)
	return r.err
}

func TestScheduler_TickUsesClockDay(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2020, time.May, 11, 5, 30, 0, 0, time.UTC))
	runner := &recordingRunner{}
	s, err := NewScheduler(runner, "30 5 * * *", clock, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, s.Tick(context.Background()))
	clock.Advance(24 * time.Hour)
	require.NoError(t, s.Tick(context.Background()))

	require.Len(t, runner.days, 2)
	assert.Equal(t, day(t, "2020-05-11"), runner.days[0])
	assert.Equal(t, day(t, "2020-05-12"), runner.days[1])
}

func TestScheduler_TickReturnsError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	runner := &recordingRunner{err: errors.New("database is locked")}
	s, err := NewScheduler(runner, "@daily", clock, logging.Discard())
	require.NoError(t, err)

	var observed error
	s.OnRun(func(_ time.Time, err error) { observed = err })

	require.Error(t, s.Tick(context.Background()))
	require.EqualError(t, observed, "database is locked")
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&recordingRunner{}, "every morning", nil, logging.Discard())
	require.Error(t, err)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s, err := NewScheduler(&recordingRunner{}, "@daily", nil, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type blockingRunner struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
	seen    chan error
}

func (r *blockingRunner) RunDay(ctx context.Context, _ time.Time) error {
	first := false
	r.once.Do(func() { first = true })
	if !first {
		return nil
	}
	close(r.started)
	<-r.release
	r.seen <- ctx.Err()
	return nil
}

func TestScheduler_ShutdownLetsRunningDayFinish(t *testing.T) {
	runner := &blockingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
		seen:    make(chan error, 1),
	}
	s, err := NewScheduler(runner, "@every 1s", nil, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not start")
	}
	cancel()
	close(runner.release)

	select {
	case err := <-runner.seen:
		assert.NoError(t, err, "running day must not see shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("running day did not finish")
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "full", ModeFull.String())
	assert.Equal(t, "weather_only", ModeWeatherOnly.String())
	assert.Equal(t, "copy", ModeCopy.String())
}
