package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/passportd/passportd/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestMetrics_RecordFailure(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordFailure(engine.KindInvalidTransition)
	m.RecordFailure(engine.KindInvalidTransition)
	m.RecordFailure(engine.KindDatabaseFailure)

	body := scrape(t, m)
	for _, want := range []string{
		`passportd_failures_total{kind="invalid_transition"} 2`,
		`passportd_failures_total{kind="database"} 1`,
		`passportd_failures_by_category_total{category="conflict"} 2`,
		`passportd_failures_by_category_total{category="transient"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", m.Path(), nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	// None of these may panic on a disabled collector.
	m.RecordFailure(engine.KindNotFound)
	m.RecordTransition("unit", "built", "approved")
	m.RecordAnchorJob("done")
	m.SetAnchorJobCount(engine.AnchorJobPending, 3)
	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled handler code = %d, want 404", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTransition("unit", "production", "revision")
	m.RecordAnchorJob("done")
	m.SetAnchorJobCount(engine.AnchorJobFailed, 2)
	m.RecordHTTPRequest("POST", "/protocols/{unitID}/approve", 200, 10*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`passportd_status_transitions_total{entity="unit",from="production",to="revision"} 1`,
		`passportd_anchor_jobs_total{outcome="done"} 1`,
		`passportd_anchor_queue_jobs{status="failed"} 2`,
		`passportd_http_requests_total{code="200",method="POST",route="/protocols/{unitID}/approve"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "production", modify: func(c *Config) { *c = *ProductionConfig() }},
		{name: "no service name", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "bad exporter",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: true,
		},
		{name: "bad sampling", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "no metrics path", modify: func(c *Config) { c.Metrics.Path = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
