package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"TRACE", LevelTrace, false},
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"Info", LevelInfo, false},
		{"WARNING", LevelWarning, false},
		{"warn", LevelWarning, false},
		{"ERROR", LevelError, false},
		{"FATAL", LevelFatal, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevelName(t *testing.T) {
	tests := []struct {
		level slog.Level
		want  string
	}{
		{LevelTrace, "TRACE"},
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarning, "WARN"},
		{LevelError, "ERROR"},
		{LevelFatal, "FATAL"},
	}

	for _, tt := range tests {
		if got := LevelName(tt.level); got != tt.want {
			t.Errorf("LevelName(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	previous := GetLevel()
	Setup(&buf)
	t.Cleanup(func() {
		SetLevel(previous)
		SetSampleRate(1)
		Setup(os.Stdout)
	})
	return &buf
}

func TestTraceRenderedByName(t *testing.T) {
	buf := captureLogs(t)
	SetLevel(LevelTrace)

	Trace("walking tree", "depth", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["level"] != "TRACE" {
		t.Errorf("level = %v, want TRACE", entry["level"])
	}
	if entry["msg"] != "walking tree" {
		t.Errorf("msg = %v, want %q", entry["msg"], "walking tree")
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t)
	SetLevel(LevelWarning)

	Debug("hidden")
	Info("hidden")
	Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below WARN were logged: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warning was not logged: %s", out)
	}
}

func TestErrorCountsEvenWhenSampledOut(t *testing.T) {
	buf := captureLogs(t)
	SetSampleRate(1 << 30)

	before := TotalErrors.Load()
	for i := 0; i < 5; i++ {
		Error("sampled", "i", i)
	}

	if got := TotalErrors.Load() - before; got != 5 {
		t.Errorf("TotalErrors increased by %d, want 5", got)
	}
	if strings.Count(buf.String(), "sampled") > 1 {
		t.Errorf("expected sampling to drop almost every error: %s", buf.String())
	}
}

func TestEvaluationCounters(t *testing.T) {
	failed := FailedEvaluations.Load()
	matched := MatchedEvaluations.Load()

	Evaluation(true, nil)
	Evaluation(false, nil)
	Evaluation(false, errors.New("boom"))

	if got := MatchedEvaluations.Load() - matched; got != 1 {
		t.Errorf("MatchedEvaluations increased by %d, want 1", got)
	}
	if got := FailedEvaluations.Load() - failed; got != 1 {
		t.Errorf("FailedEvaluations increased by %d, want 1", got)
	}
}

func TestMiddlewareCountsStatuses(t *testing.T) {
	captureLogs(t)

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/invalid":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte("ok"))
		}
	}))

	before := Counters()
	for _, path := range []string{"/ok", "/missing", "/invalid", "/broken"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	after := Counters()

	want := map[string]int64{
		"http4xx": 2,
		"http404": 1,
		"http422": 1,
		"http5xx": 1,
	}
	for key, delta := range want {
		if got := after[key] - before[key]; got != delta {
			t.Errorf("%s increased by %d, want %d", key, got, delta)
		}
	}
}

type recordingExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *recordingExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error   { return nil }
func (e *recordingExporter) ForceFlush(context.Context) error { return nil }

func TestSetupOTELExportsRecords(t *testing.T) {
	previous := GetLevel()
	t.Cleanup(func() {
		SetLevel(previous)
		Setup(os.Stdout)
	})
	SetLevel(LevelInfo)

	exporter := &recordingExporter{}
	if err := SetupOTEL(context.Background(), "querytree-test", exporter); err != nil {
		t.Fatalf("SetupOTEL() error = %v", err)
	}

	Info("query evaluated", "query_id", "sixties")
	Debug("below the configured level")

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	if len(exporter.records) != 1 {
		t.Fatalf("exported %d records, want 1", len(exporter.records))
	}
	if body := exporter.records[0].Body().AsString(); body != "query evaluated" {
		t.Errorf("record body = %q, want %q", body, "query evaluated")
	}

	// a second shutdown has nothing left to flush
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestShutdownWithoutOTEL(t *testing.T) {
	captureLogs(t)
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
