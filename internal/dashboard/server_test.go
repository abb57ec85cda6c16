package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oipulse/oipulse/internal/metrics"
	"github.com/oipulse/oipulse/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	status Status
}

var _ StatusSource = (*stubSource)(nil)

func (s *stubSource) Status() Status { return s.status }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(status Status) *Server {
	return NewServer(0, &stubSource{status: status}, metrics.New().Registry, testLogger())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReflectsHeartbeat(t *testing.T) {
	fresh := newTestServer(Status{Heartbeat: time.Now()})
	rec := get(t, fresh, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	stale := newTestServer(Status{Heartbeat: time.Now().Add(-5 * time.Minute)})
	rec = get(t, stale, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(Status{
		SessionDate:   "2026-08-24",
		Phase:         models.PhaseHolding,
		Direction:     models.DirectionCall,
		CurrentStrike: 21750,
		Broker:        "zerodha",
		Cash:          88750,
		Heartbeat:     time.Now(),
	})
	rec := get(t, s, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "2026-08-24", got.SessionDate)
	assert.Equal(t, models.PhaseHolding, got.Phase)
	assert.Equal(t, 21750, got.CurrentStrike)
	assert.Equal(t, "zerodha", got.Broker)
}

func TestTradesEndpointNeverReturnsNull(t *testing.T) {
	s := newTestServer(Status{Heartbeat: time.Now()})
	rec := get(t, s, "/api/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	s = newTestServer(Status{
		Heartbeat: time.Now(),
		Closed: []models.ClosedPosition{{
			Position:   models.Position{OrderID: "ord-1", EntryPrice: 150},
			ExitPrice:  165,
			ExitReason: models.ExitTrailingStop,
		}},
	})
	rec = get(t, s, "/api/trades")
	require.Equal(t, http.StatusOK, rec.Code)

	var trades []models.ClosedPosition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "ord-1", trades[0].OrderID)
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	s := newTestServer(Status{Heartbeat: time.Now()})
	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oipulse_entry_ticks_total")
}
