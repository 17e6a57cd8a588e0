package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/criteriasync/internal/api"
	"github.com/lox/criteriasync/internal/config"
	"github.com/lox/criteriasync/internal/httputil"
	"github.com/lox/criteriasync/internal/jsap"
	"github.com/lox/criteriasync/internal/kb"
	"github.com/lox/criteriasync/internal/logging"
	"github.com/lox/criteriasync/internal/models"
	"github.com/lox/criteriasync/internal/orchestrator"
	"github.com/lox/criteriasync/internal/simulation"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `embed:""`

	SepaHost     string   `name:"sepa-host" env:"SEPA_HOST" help:"Knowledge-store host; overrides the JSAP host."`
	JSAP         []string `name:"jsap" env:"JSAP" default:"base.jsap,criteria.jsap" sep:"," help:"JSAP files, later files override earlier ones."`
	Cmd          string   `name:"cmd" env:"CMD" default:"./CRITERIA1D" help:"Simulation command line."`
	EngineDir    string   `name:"engine-dir" env:"ENGINE_DIR" help:"Working directory of the simulation."`
	InputDB      string   `name:"input-db" env:"INPUT_DB" default:"data/weather.db" help:"Scenario database."`
	OutputDB     string   `name:"output-db" env:"OUTPUT_DB" default:"data/swamp.db" help:"Simulation output database."`
	ForecastDays int      `name:"forecast-days" env:"FORECAST_DAYS" default:"3" help:"Forecast horizon in days."`

	SetDate        string `name:"set-date" env:"SET_DATE" placeholder:"YYYY-MM-DD" help:"Process a single day instead of today."`
	From           string `name:"from" env:"FROM" placeholder:"YYYY-MM-DD" help:"First day of the range."`
	To             string `name:"to" env:"TO" placeholder:"YYYY-MM-DD" help:"Last day of the range, inclusive."`
	Copy           bool   `name:"copy" env:"COPY" help:"Republish stored forecasts as realized observations."`
	SetWeatherOnly bool   `name:"set-weather-only" env:"SET_WEATHER_ONLY" help:"Only refresh the scenario database."`

	Schedule          string        `name:"schedule" env:"SCHEDULE" help:"Cron expression; run as a service instead of a batch."`
	StatementTimeout  time.Duration `name:"statement-timeout" env:"STATEMENT_TIMEOUT" default:"2s" help:"Timeout of every SQL statement."`
	KBTimeout         time.Duration `name:"kb-timeout" env:"KB_TIMEOUT" default:"30s" help:"HTTP timeout of one knowledge-store request."`
	KBRetryMaxElapsed time.Duration `name:"kb-retry-max-elapsed" env:"KB_RETRY_MAX_ELAPSED" default:"30s" help:"Retry budget of one knowledge-store request."`
	LogLevel          string        `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat         string        `name:"log-format" env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Log format."`
	MetricsAddr       string        `name:"metrics-addr" env:"METRICS_ADDR" default:":9090" help:"Listen address of /metrics in schedule mode."`
	PushgatewayURL    string        `name:"pushgateway-url" env:"PUSHGATEWAY_URL" help:"Push metrics here after a batch run."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("criteriasync"),
		kong.Description("Synchronize weather into the CRITERIA1D scenario database, run it and publish its results."),
		kong.UsageOnError(),
	)

	logger, err := logging.New(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli, logger); err != nil {
		logger.Error("criteriasync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cli CLI, logger *slog.Logger) error {
	doc, err := jsap.Load(cli.JSAP...)
	if err != nil {
		return err
	}
	if cli.SepaHost != "" {
		doc.Host = cli.SepaHost
	}

	cfg, err := config.Load(config.Options{
		CommandLine:      cli.Cmd,
		ScenarioDB:       cli.InputDB,
		OutputDB:         cli.OutputDB,
		ForecastDays:     cli.ForecastDays,
		StatementTimeout: cli.StatementTimeout,
	}, doc)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("configuration loaded",
		"host", doc.Host,
		"stations", len(cfg.Stations),
		"places", len(cfg.Places),
		"forecast_days", cfg.ForecastDays)

	client, err := kb.New(doc, kb.Options{
		HTTPClient: httputil.NewClient(cli.KBTimeout),
		MaxElapsed: cli.KBRetryMaxElapsed,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	runner, err := simulation.NewRunner(cfg.CommandLine, logger)
	if err != nil {
		return err
	}
	if cli.EngineDir != "" {
		runner = runner.WithDir(cli.EngineDir)
	}

	svc := orchestrator.NewService(cfg, client, runner, logger)

	if cli.Schedule != "" {
		return serve(ctx, cli, svc, logger)
	}

	err = batch(ctx, cli, svc)
	if cli.PushgatewayURL != "" {
		if pushErr := pushMetrics(cli.PushgatewayURL); pushErr != nil {
			logger.Warn("push metrics failed", "error", pushErr)
		}
	}
	return err
}

func batch(ctx context.Context, cli CLI, svc *orchestrator.Service) error {
	from, to, err := dateRange(cli, time.Now())
	if err != nil {
		return err
	}

	mode := orchestrator.ModeFull
	switch {
	case cli.Copy:
		mode = orchestrator.ModeCopy
	case cli.SetWeatherOnly:
		mode = orchestrator.ModeWeatherOnly
	}
	return svc.RunRange(ctx, from, to, mode)
}

// dateRange resolves the days to process: today by default, SET_DATE for a
// single day, FROM and TO overriding either end.
func dateRange(cli CLI, now time.Time) (time.Time, time.Time, error) {
	from := models.Day(now)
	to := from

	parse := func(name, v string) (time.Time, error) {
		d, err := time.Parse(models.DateLayout, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	}

	if cli.SetDate != "" {
		d, err := parse("set-date", cli.SetDate)
		if err != nil {
			return from, to, err
		}
		from, to = d, d
	}
	if cli.From != "" {
		d, err := parse("from", cli.From)
		if err != nil {
			return from, to, err
		}
		from = d
	}
	if cli.To != "" {
		d, err := parse("to", cli.To)
		if err != nil {
			return from, to, err
		}
		to = d
	}
	return from, to, nil
}

func serve(ctx context.Context, cli CLI, svc *orchestrator.Service, logger *slog.Logger) error {
	sched, err := orchestrator.NewScheduler(svc, cli.Schedule, clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}
	status := &api.RunStatus{}
	sched.OnRun(status.Record)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := api.NewServer(cli.MetricsAddr, status)
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", cli.MetricsAddr)
		srvErr <- srv.Run(ctx)
	}()
	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	// whichever stops first takes the other down
	select {
	case err := <-srvErr:
		cancel()
		<-schedErr
		return err
	case err := <-schedErr:
		cancel()
		<-srvErr
		return err
	}
}

func pushMetrics(url string) error {
	return push.New(url, "criteriasync").
		Gatherer(prometheus.DefaultGatherer).
		Push()
}
