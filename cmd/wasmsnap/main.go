package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/wasmsnap/config"
	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/hooks"
	"github.com/INLOpen/wasmsnap/hooks/listeners"
	"github.com/INLOpen/wasmsnap/metrics"
)

const usage = `Usage: wasmsnap [-config file] [-log-level level] <command> [arguments]

Commands:
  compact [-on-drop] <path>          compact a journal in place
  export [-canonical] <path>         write the journal as JSON lines
  inspect <path>                     print every entry and a per-type summary
  extract memory <path> <out-file>   write the flat memory image
  mount <path> <dir>                 replay the journal and write its file tree
  send <path> <addr>                 stream a journal to a remote recv
  recv <addr> <path>                 receive a streamed journal into a new file
`

// createLogger creates a slog.Logger based on the logging configuration.
func createLogger(cfg config.LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "", "stderr":
		output = stderr
	case "file":
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %q", cfg.Output)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer, nil
}

// initTracerProvider sets up an exporter based on the configuration to
// send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Debug("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("wasmsnap")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// run parses the global flags, builds the shared environment and dispatches
// to a command. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("wasmsnap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "wasmsnap.yaml", "Path to the configuration file")
	logLevel := fs.String("log-level", "", "Logging level (debug, info, warn, error); overrides the configuration")
	metricsFile := fs.String("metrics-file", "", "Write collected metrics in text format to this file on exit (requires metrics.enabled)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "wasmsnap: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "wasmsnap: %v\n", err)
		return 1
	}

	logger, logCloser, err := createLogger(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "wasmsnap: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		fmt.Fprintf(stderr, "wasmsnap: %v\n", err)
		return 1
	}
	defer tracerCleanup()

	hm := hooks.NewHookManager(logger)
	defer hm.Stop()
	hm.Register(hooks.EventPostCompaction, listeners.NewCompactionRatioListener(logger))

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry(cfg.Metrics.Namespace)
		metrics.NewListener(registry).Attach(hm)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		hooks:  hm,
		tp:     tp,
		stdout: stdout,
		stderr: stderr,
	}
	code := a.dispatch(ctx, fs.Args())

	if registry != nil && *metricsFile != "" {
		if err := prometheus.WriteToTextfile(*metricsFile, registry.GetPrometheusRegistry()); err != nil {
			logger.Error("Failed to write metrics file", "path", *metricsFile, "error", err)
		}
	}
	return code
}

func (a *app) dispatch(ctx context.Context, args []string) int {
	name, rest := args[0], args[1:]
	var err error
	switch name {
	case "compact":
		err = a.compact(ctx, rest)
	case "export":
		err = a.export(ctx, rest)
	case "inspect":
		err = a.inspect(ctx, rest)
	case "extract":
		err = a.extract(ctx, rest)
	case "mount":
		err = a.mount(ctx, rest)
	case "send":
		err = a.send(ctx, rest)
	case "recv":
		err = a.recv(ctx, rest)
	default:
		err = &usageError{msg: fmt.Sprintf("unknown command %q", name)}
	}
	if err == nil {
		return 0
	}
	a.report(name, err)
	return 1
}

// report prints a failed command and logs it with structured attributes.
// Decode failures carry the offset and kind of the broken record.
func (a *app) report(cmd string, err error) {
	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(a.stderr, "wasmsnap %s: %s\n\n%s", cmd, ue.msg, usage)
		return
	}
	fmt.Fprintf(a.stderr, "wasmsnap: %v\n", err)
	attrs := []any{"op", cmd, "error", err}
	var oe *opError
	if errors.As(err, &oe) {
		attrs = append(attrs, "path", oe.path)
	}
	var ce *core.CorruptError
	if errors.As(err, &ce) {
		attrs = append(attrs, "offset", ce.Offset, "kind", string(ce.Kind))
	}
	a.logger.Debug("Command failed", attrs...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
