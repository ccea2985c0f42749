package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/welldanyogia/ipam/backend/internal/maintenance"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type lastRun struct{ result *maintenance.Result }

func (l lastRun) LastResult() *maintenance.Result { return l.result }

func up() Pinger { return pingerFunc(func(context.Context) error { return nil }) }
func down() Pinger { return pingerFunc(func(context.Context) error { return errors.New("connection refused") }) }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantCode   int
		wantStatus string
	}{
		{"database up", up(), http.StatusOK, "healthy"},
		{"database down", down(), http.StatusServiceUnavailable, "degraded"},
		{"no pool", nil, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Config{
				DB:          tt.db,
				Version:     "1.2.3",
				Maintenance: lastRun{&maintenance.Result{BlocksDeleted: 4}},
			})
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.Version != "1.2.3" {
				t.Errorf("response = %+v", resp)
			}
			if resp.Maintenance == nil || resp.Maintenance.BlocksDeleted != 4 {
				t.Errorf("maintenance = %+v", resp.Maintenance)
			}
		})
	}
}

func TestReadiness(t *testing.T) {
	h := NewHandler(Config{DB: up()})

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}

	h.SetReady(false)
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("draining status = %d", rec.Code)
	}

	h = NewHandler(Config{DB: down()})
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("database down status = %d", rec.Code)
	}
}

func TestLiveness(t *testing.T) {
	h := NewHandler(Config{DB: down()})
	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	var resp LivenessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || !resp.Alive {
		t.Errorf("liveness = %d %+v", rec.Code, resp)
	}
}
