package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/querytree/internal/telemetry"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)
)

// SlowRequestThreshold is the request duration above which Middleware counts a slow request
const SlowRequestThreshold = 500 * time.Millisecond

var (
	Logger          *slog.Logger
	errorSampleRate int32 = 1 // log every error/warning unless ERROR_SAMPLE_RATE says otherwise
	programLevel          = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error // set while logs go through OTEL
)

// Counters exposed on the health endpoint (incremented regardless of sampling)
var (
	TotalErrors        atomic.Int64
	TotalWarnings      atomic.Int64
	Total5xxErrors     atomic.Int64
	Total4xxErrors     atomic.Int64
	Total404Errors     atomic.Int64
	Total422Errors     atomic.Int64
	SlowRequests       atomic.Int64
	FailedEvaluations  atomic.Int64
	MatchedEvaluations atomic.Int64
)

func init() {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = LevelInfo
	}
	programLevel.Set(level)

	// ERROR_SAMPLE_RATE=N logs 1 out of every N errors/warnings
	if sampleStr := os.Getenv("ERROR_SAMPLE_RATE"); sampleStr != "" {
		if rate, err := strconv.Atoi(sampleStr); err == nil && rate > 0 {
			atomic.StoreInt32(&errorSampleRate, int32(rate))
		}
	}

	if !telemetry.Enabled() {
		Setup(os.Stdout)
		return
	}

	serviceName := telemetry.ServiceName()
	if err := setupOTELLogging(context.Background(), serviceName); err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup OTEL logging, falling back to JSON: %v\n", err)
		Setup(os.Stdout)
		return
	}
	fmt.Fprintf(os.Stderr, "OpenTelemetry logging enabled for service: %s\n", serviceName)
}

func setupOTELLogging(ctx context.Context, serviceName string) error {
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return SetupOTEL(ctx, serviceName, exporter)
}

// SetupOTEL bridges slog to an OpenTelemetry LoggerProvider that batches
// records to exporter. Call Shutdown to flush them.
func SetupOTEL(ctx context.Context, serviceName string, exporter sdklog.Exporter) error {
	res, err := telemetry.NewResource(ctx, serviceName)
	if err != nil {
		return err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)

	shutdownFunc = provider.Shutdown
	return nil
}

// levelHandler applies programLevel to a handler that does no filtering of its own
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes buffered OTEL log records; it does nothing for JSON logging
func Shutdown(ctx context.Context) error {
	if shutdownFunc == nil {
		return nil
	}
	err := shutdownFunc(ctx)
	shutdownFunc = nil
	return err
}

// Setup routes all logging to w as JSON and installs it as the slog default
func Setup(w io.Writer) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelName(lvl))
				}
			}
			return a
		},
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// SetSampleRate logs 1 out of every rate errors and warnings; rate <= 1 logs all of them
func SetSampleRate(rate int) {
	atomic.StoreInt32(&errorSampleRate, int32(rate))
}

// ParseLevel converts a level name to slog.Level. An empty name is INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

// LevelName renders the custom levels by name instead of slog's "DEBUG-4" form
func LevelName(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "TRACE"
	case level >= LevelFatal:
		return "FATAL"
	default:
		return level.String()
	}
}

func shouldSample() bool {
	rate := atomic.LoadInt32(&errorSampleRate)
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Trace logs a trace-level message
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a warning with sampling; the counter always increments
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs an error with sampling; the counter always increments
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs a fatal-level message and exits
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Evaluation counts one query evaluation outcome
func Evaluation(matched bool, err error) {
	switch {
	case err != nil:
		FailedEvaluations.Add(1)
	case matched:
		MatchedEvaluations.Add(1)
	}
}

// ErrorHttp5xx increments the 5xx counters
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx increments the 4xx counters
func WarnHttp4xx(status int) {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)

	switch status {
	case http.StatusNotFound:
		Total404Errors.Add(1)
	case http.StatusUnprocessableEntity:
		Total422Errors.Add(1)
	}
}

// WarnSlowRequest increments the slow request counter
func WarnSlowRequest() {
	SlowRequests.Add(1)
	TotalWarnings.Add(1)
}

// Counters returns a snapshot of every counter
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":             TotalErrors.Load(),
		"warnings":           TotalWarnings.Load(),
		"http5xx":            Total5xxErrors.Load(),
		"http4xx":            Total4xxErrors.Load(),
		"http404":            Total404Errors.Load(),
		"http422":            Total422Errors.Load(),
		"slowRequests":       SlowRequests.Load(),
		"failedEvaluations":  FailedEvaluations.Load(),
		"matchedEvaluations": MatchedEvaluations.Load(),
	}
}

// Middleware counts 4xx/5xx responses and slow requests and logs each request at debug level
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		switch {
		case status >= 500:
			ErrorHttp5xx()
		case status >= 400:
			WarnHttp4xx(status)
		}
		if elapsed > SlowRequestThreshold {
			WarnSlowRequest()
		}

		Logger.Debug("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
