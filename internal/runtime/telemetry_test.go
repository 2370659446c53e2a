package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/podiumlabs/podium/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"

	shutdown, handler, err := setupTelemetry(cfg, discardLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown telemetry: %v", err)
		}
	})

	if handler == nil {
		t.Fatal("no metrics handler returned")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSetupTelemetryRejectsUnusableBind(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.PrometheusBind = "127.0.0.1:-1"

	if _, _, err := setupTelemetry(cfg, discardLogger()); err == nil {
		t.Fatal("expected an error for an unusable prometheus bind")
	}
}
