package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/kapeta-config/internal/application"
	"github.com/eugenenazirov/kapeta-config/internal/config"
	"github.com/eugenenazirov/kapeta-config/internal/logging"
	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
	"github.com/eugenenazirov/kapeta-config/pkg/transport"
)

var signalNotify = signal.Notify

func main() {
	overrides, printOnly, err := parseFlags(os.Args[1:])
	kingpin.FatalIfError(err, "invalid arguments")

	cfg, err := config.Load(overrides, nil)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()
	app, err := application.New(ctx, cfg, logger)
	if err != nil {
		exitOnStartupError(logger, "failed to initialize application", err)
	}

	if printOnly {
		err := printProperties(os.Stdout, app.Properties().Snapshot())
		app.Close()
		if err != nil {
			logger.Fatal("failed to print properties", zap.Error(err))
		}
		return
	}

	if err := app.Start(ctx); err != nil {
		exitOnStartupError(logger, "failed to start block", err)
	}

	serve(app, cfg.ShutdownGracePeriod, logger)
}

// parseFlags turns command line arguments into config overrides. Flags that
// are not given stay nil so lower precedence sources apply.
func parseFlags(args []string) (*config.CLIOverrides, bool, error) {
	kingpinApp := kingpin.New("kapeta-block", "Kapeta block runtime - resolves block configuration from the active provider and serves it")
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").String()
	systemType := kingpinApp.Flag("system-type", "Environment type (development, kubernetes)").String()
	systemID := kingpinApp.Flag("system-id", "Plan the block runs in").String()
	blockRef := kingpinApp.Flag("block-ref", "Block reference, defaults to the kapeta.yml name with a local version").String()
	instanceID := kingpinApp.Flag("instance-id", "Instance id of this block within the plan").String()
	baseDir := kingpinApp.Flag("base-dir", "Directory holding kapeta.yml").String()
	listen := kingpinApp.Flag("listen", "host:port to serve on, defaults to the provider's server host and port").String()
	logLevel := kingpinApp.Flag("log-level", "Log level (debug, info, warn, error)").String()
	logFile := kingpinApp.Flag("log-file", "Also write logs to this rotated file").String()
	sets := kingpinApp.Flag("set", "Property override as key=value (repeatable)").Short('s').Strings()
	printOnly := kingpinApp.Flag("print", "Print the resolved properties as key=value lines and exit").Bool()
	rateLimitRPSFlag := kingpinApp.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurstFlag := kingpinApp.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	if _, err := kingpinApp.Parse(args); err != nil {
		return nil, false, err
	}

	overrides := &config.CLIOverrides{
		ConfigFile: *configFile,
		Set:        make(map[string]string, len(*sets)),
	}

	for dst, src := range map[**string]*string{
		&overrides.SystemType: systemType,
		&overrides.SystemID:   systemID,
		&overrides.BlockRef:   blockRef,
		&overrides.InstanceID: instanceID,
		&overrides.BaseDir:    baseDir,
		&overrides.Listen:     listen,
		&overrides.LogLevel:   logLevel,
		&overrides.LogFile:    logFile,
	} {
		if *src != "" {
			*dst = src
		}
	}

	if *rateLimitRPSFlag >= 0 {
		overrides.RateLimitRPS = rateLimitRPSFlag
	}

	if *rateLimitBurstFlag >= 0 {
		overrides.RateLimitBurst = rateLimitBurstFlag
	}

	for _, raw := range *sets {
		key, value, err := config.ParseOverride(raw)
		if err != nil {
			return nil, false, err
		}
		overrides.Set[key] = value
	}

	return overrides, *printOnly, nil
}

// exitOnStartupError exits with status 1 without a stack trace when the
// local cluster service is not running; anything else is fatal.
func exitOnStartupError(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, transport.ErrServiceUnavailable) {
		logger.Error("local cluster service is not available, start it and try again", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Fatal(msg, zap.Error(err))
}

// printProperties writes one key=value line per property, sorted by key.
func printProperties(w io.Writer, props *flatten.Properties) error {
	keys := props.Keys()
	slices.Sort(keys)
	for _, key := range keys {
		value, _ := props.Get(key)
		if _, err := fmt.Fprintf(w, "%s=%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}

type block interface {
	Reload(ctx context.Context) bool
	Shutdown(ctx context.Context) error
}

// serve blocks until SIGINT or SIGTERM. SIGHUP reloads the properties.
func serve(app block, timeout time.Duration, logger *zap.Logger) {
	signals := make(chan os.Signal, 1)
	signalNotify(signals, os.Interrupt, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range signals {
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info("reload requested")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		app.Reload(ctx)
		cancel()
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
}
