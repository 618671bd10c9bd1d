package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf}), "engine")
	logger.Debug("drained", "count", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if rec["component"] != "engine" {
		t.Errorf("component = %v, want engine", rec["component"])
	}
	if rec["msg"] != "drained" {
		t.Errorf("msg = %v, want drained", rec["msg"])
	}
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.OperationApplied("local")
	m.OperationApplied("local")
	m.OperationDiscarded("malformed")
	m.SetQueueDepth(4)
	m.Resync("reconnect")

	if got := testutil.ToFloat64(m.OperationsApplied.WithLabelValues("local")); got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.OperationApplied("remote")
	m.OperationDiscarded("conflict")
	m.TransformPerformed()
	m.SetQueueDepth(1)
	m.Resync("manual")
	m.SetParticipants(2)
}
