// Command storesync pulls orders, customers and helpdesk tickets from their
// REST APIs and upserts them into one or more databases.
//
//	storesync run [job...]    run every job, or the named ones
//	storesync validate        check the config file
//	storesync fetch <job>     fetch and transform one job, print rows as JSON lines
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"storesync/internal/config"
	"storesync/internal/logging"
	"storesync/internal/metrics"
	"storesync/internal/metrics/datadog"
	"storesync/internal/pipeline"
	"storesync/internal/storage"

	// Register every backend with the storage factory; the destination URL
	// picks one at run time.
	_ "storesync/internal/storage/mssql"
	_ "storesync/internal/storage/postgres"
	_ "storesync/internal/storage/sqlite"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// backendCloser is a metrics backend the command must close on exit.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are the seams tests replace.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time

	// OpenDestination connects to one destination database.
	OpenDestination func(ctx context.Context, d pipeline.Destination, log logrus.FieldLogger) (pipeline.Upserter, error)
	// NewMetrics builds the datadog backend.
	NewMetrics func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		Now:             time.Now,
		OpenDestination: openStorage,
		NewMetrics: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	stop()
	os.Exit(code)
}

func openStorage(ctx context.Context, d pipeline.Destination, log logrus.FieldLogger) (pipeline.Upserter, error) {
	return storage.Open(ctx, storage.Config{Kind: d.Kind, DSN: d.DSN, Logger: log})
}

// exitError carries an exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitWith(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// run executes the CLI and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: at least one tenant, ticket, destination or table failed, or
//     validate found errors.
//   - 2: configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.OpenDestination == nil {
		d.OpenDestination = openStorage
	}

	a := &app{d: d}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(d.Stderr, ee.err)
		return ee.code
	}
	// Flag and argument errors.
	fmt.Fprintln(d.Stderr, err)
	return exitConfig
}

// app holds the persistent flags shared by every subcommand.
type app struct {
	d deps

	cfgPath        string
	envFile        string
	logLevel       string
	metricsBackend string
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storesync",
		Short:         "Sync store orders, customers and helpdesk tickets into SQL databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "storesync.yaml", "config file (YAML or JSON)")
	pf.StringVar(&a.envFile, "env-file", "", "dotenv file to load; .env is loaded when present")
	pf.StringVar(&a.logLevel, "log-level", "", "log level, overrides the config file")
	pf.StringVar(&a.metricsBackend, "metrics-backend", "", "metrics backend: none or datadog (overrides env METRICS_BACKEND)")

	root.AddCommand(a.runCmd(), a.validateCmd(), a.fetchCmd())
	return root
}

// load reads the env file and the config, then builds the logger.
func (a *app) load() (*config.Config, *logrus.Logger, error) {
	if err := config.LoadEnvFile(a.envFile, a.envFile != ""); err != nil {
		return nil, nil, exitWith(exitConfig, "%v", err)
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return nil, nil, exitWith(exitConfig, "%v", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, a.d.Stderr)
	if err != nil {
		return nil, nil, exitWith(exitConfig, "%v", err)
	}
	return cfg, log, nil
}

// loadValid is load followed by Validate; errors abort with exitConfig.
func (a *app) loadValid() (*config.Config, *logrus.Logger, error) {
	cfg, log, err := a.load()
	if err != nil {
		return nil, nil, err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(a.d.Stderr, iss)
	}
	if config.HasErrors(issues) {
		return nil, nil, exitWith(exitConfig, "configuration is invalid: %s", a.cfgPath)
	}
	return cfg, log, nil
}

// setupMetrics installs the configured backend. The returned func flushes
// and closes it.
func (a *app) setupMetrics(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) func() {
	name := a.metricsBackend
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}
	if name == "" {
		name = cfg.Metrics.Backend
	}

	switch name {
	case "datadog":
		if a.d.NewMetrics == nil {
			log.Warn("metrics: datadog requested but no factory; metrics disabled")
			return func() {}
		}
		tags := append(datadog.ParseTagsCSV(cfg.Metrics.Tags), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := a.d.NewMetrics(ctx, "storesync", tags, 60*time.Second)
		if err != nil {
			log.WithError(err).Warn("metrics: failed to init datadog backend; using nop")
			return func() {}
		}
		log.Infof("metrics: backend=datadog tags=%v", tags)
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.WithError(err).Warn("metrics: datadog close/flush error")
			}
			metrics.SetBackend(nil)
		}
	case "", "none":
		log.Debug("metrics: disabled")
	default:
		log.Warnf("metrics: unknown backend %q; metrics disabled", name)
	}
	return func() {}
}
