package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Level is slog.Level, re-exported so callers need not import slog
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

const defaultServiceName = "shadow"

var (
	Logger       *slog.Logger
	sampleRate   atomic.Int32 // 1 out of every N warnings/errors is written
	programLevel = new(slog.LevelVar)
	shutdownFunc func(context.Context) error // nil unless OTEL is active
)

// Counters for the stats endpoint (incremented regardless of sampling)
var (
	TotalErrors   atomic.Int64
	TotalWarnings atomic.Int64

	// Experiment outcomes
	Runs             atomic.Int64
	DisabledRuns     atomic.Int64
	Mismatches       atomic.Int64
	IgnoredTrials    atomic.Int64
	TrialFailures    atomic.Int64
	ControlFailures  atomic.Int64
	PublishFailures  atomic.Int64
	RuleEvalFailures atomic.Int64

	// HTTP outcomes
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	Total404Errors atomic.Int64
	Total409Errors atomic.Int64
)

var levelNames = map[string]slog.Level{
	"TRACE":   LevelTrace,
	"DEBUG":   LevelDebug,
	"INFO":    LevelInfo,
	"WARN":    LevelWarning,
	"WARNING": LevelWarning,
	"ERROR":   LevelError,
	"FATAL":   LevelFatal,
}

// settings is what the environment asks of the logger:
//
//	LOG_LEVEL            TRACE..FATAL (default INFO)
//	ERROR_SAMPLE_RATE    log 1 of every N warnings/errors (default 100)
//	OTEL_ENABLED         "true" exports through OTLP/gRPC instead of stdout JSON
//	OTEL_SERVICE_NAME    service.name resource attribute (default "shadow")
//	OTEL_SERVICE_VERSION service.version resource attribute
type settings struct {
	level          slog.Level
	sampleRate     int32
	otel           bool
	serviceName    string
	serviceVersion string
}

func settingsFromEnv() settings {
	s := settings{
		level:          LevelInfo,
		sampleRate:     100,
		otel:           strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		serviceName:    os.Getenv("OTEL_SERVICE_NAME"),
		serviceVersion: os.Getenv("OTEL_SERVICE_VERSION"),
	}
	if lvl, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		s.level = lvl
	}
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		s.sampleRate = int32(rate)
	}
	if s.serviceName == "" {
		s.serviceName = defaultServiceName
	}
	return s
}

func init() {
	s := settingsFromEnv()
	programLevel.Set(s.level)
	sampleRate.Store(s.sampleRate)

	if !s.otel {
		install(jsonHandler(os.Stdout))
		fmt.Fprintf(os.Stderr, "JSON logging enabled (sampling: 1/%d)\n", s.sampleRate)
		return
	}

	handler, shutdown, err := otelHandler(context.Background(), s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
		install(jsonHandler(os.Stdout))
		return
	}
	shutdownFunc = shutdown
	install(handler)
	fmt.Fprintf(os.Stderr, "OpenTelemetry logging enabled for service: %s (sampling: 1/%d)\n", s.serviceName, s.sampleRate)
}

func install(h slog.Handler) {
	Logger = slog.New(h)
	slog.SetDefault(Logger)
}

func jsonHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel})
}

// otelHandler bridges slog records into an OTLP/gRPC log exporter
func otelHandler(ctx context.Context, s settings) (slog.Handler, func(context.Context) error, error) {
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(s.serviceName))}
	if s.serviceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(s.serviceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	// The bridge has no level of its own
	bridge := otelslog.NewHandler(s.serviceName, otelslog.WithLoggerProvider(provider))
	return &leveled{min: programLevel, next: bridge}, provider.Shutdown, nil
}

// leveled drops records below min before they reach next
type leveled struct {
	min  slog.Leveler
	next slog.Handler
}

func (h *leveled) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min.Level()
}

func (h *leveled) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &leveled{min: h.min, next: h.next.WithAttrs(attrs)}
}

func (h *leveled) WithGroup(name string) slog.Handler {
	return &leveled{min: h.min, next: h.next.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter. It is a no-op for JSON logging.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name (case-insensitive) to slog.Level
func ParseLevel(levelStr string) (slog.Level, error) {
	if lvl, ok := levelNames[strings.ToUpper(strings.TrimSpace(levelStr))]; ok {
		return lvl, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q (defaulting to INFO)", levelStr)
}

// SetLevelFromEnv sets the log level from an environment variable,
// falling back to defaultLevel when it is unset or invalid
func SetLevelFromEnv(envVarName string, defaultLevel slog.Level) {
	level, err := ParseLevel(os.Getenv(envVarName))
	if err != nil {
		level = defaultLevel
	}
	programLevel.Set(level)
}

// SetSampleRate writes 1 of every n warnings and errors; n <= 1 writes all
func SetSampleRate(n int) {
	if n < 1 {
		n = 1
	}
	sampleRate.Store(int32(n))
}

// SampleRate returns the current warning/error sampling rate
func SampleRate() int {
	return int(sampleRate.Load())
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// ============================================================================
// Logging Functions
// ============================================================================

// Trace logs a trace-level message (never sampled)
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message (never sampled)
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message (never sampled)
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn counts every warning but only writes a sampled subset
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error counts every error but only writes a sampled subset
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs a fatal-level message, flushes OTEL and exits
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// ============================================================================
// Experiment Helpers
// ============================================================================

// RecordRun counts one enabled experiment run and its outcomes
func RecordRun(mismatches, ignored, trialFailures int, controlFailed bool) {
	Runs.Add(1)
	Mismatches.Add(int64(mismatches))
	IgnoredTrials.Add(int64(ignored))
	TrialFailures.Add(int64(trialFailures))
	if controlFailed {
		ControlFailures.Add(1)
	}
}

// RecordDisabledRun counts a run that only executed the control
func RecordDisabledRun() {
	DisabledRuns.Add(1)
}

// WarnPublish logs a failed publish and increments counters
func WarnPublish(experiment string, err error) {
	PublishFailures.Add(1)
	Warn("experiment publish failed", "experiment", experiment, "error", err)
}

// WarnRuleEval counts a rule that could not be evaluated
func WarnRuleEval(msg string, err error) {
	RuleEvalFailures.Add(1)
	Warn(msg, "error", err)
}

// Stats returns a snapshot of every counter
func Stats() map[string]int64 {
	return map[string]int64{
		"errors":           TotalErrors.Load(),
		"warnings":         TotalWarnings.Load(),
		"runs":             Runs.Load(),
		"disabledRuns":     DisabledRuns.Load(),
		"mismatches":       Mismatches.Load(),
		"ignoredTrials":    IgnoredTrials.Load(),
		"trialFailures":    TrialFailures.Load(),
		"controlFailures":  ControlFailures.Load(),
		"publishFailures":  PublishFailures.Load(),
		"ruleEvalFailures": RuleEvalFailures.Load(),
		"http5xx":          Total5xxErrors.Load(),
		"http4xx":          Total4xxErrors.Load(),
		"http404":          Total404Errors.Load(),
		"http409":          Total409Errors.Load(),
	}
}

// ============================================================================
// HTTP-Specific Logging Helpers
// ============================================================================

// ErrorHttp5xx increments 5xx counters
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx increments 4xx counters
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case 404:
		Total404Errors.Add(1)
	case 409:
		Total409Errors.Add(1)
	}
}
