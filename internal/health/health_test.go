package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ald-io/ald-agent/internal/ald/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_AllGood_ReportsHealthy(t *testing.T) {
	s := New("1.0", "machine-1",
		func() bool { return true },
		func(ctx context.Context) error { return nil },
		func() int { return 0 },
		func() bool { return true },
	)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body.Status)
}

func TestHealth_PLCDisconnected_ReportsDegraded(t *testing.T) {
	s := New("1.0", "machine-1",
		func() bool { return false },
		func(ctx context.Context) error { return nil },
		func() int { return 0 },
		func() bool { return true },
	)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDegraded, body.Status)
}

func TestHealth_PLCAndDBDown_ReportsUnhealthy(t *testing.T) {
	s := New("1.0", "machine-1",
		func() bool { return false },
		func(ctx context.Context) error { return assert.AnError },
		func() int { return 0 },
		func() bool { return true },
	)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestHealth_DataIntegrityFault_LatchesUnhealthy(t *testing.T) {
	s := New("1.0", "machine-1",
		func() bool { return true },
		func(ctx context.Context) error { return nil },
		func() int { return 0 },
		func() bool { return true },
	)
	s.OnDataIntegrityFault(&errs.DataIntegrityFault{TransactionID: "tx-1", Msg: "boom"})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "boom", body.DataIntegrityFault)
}
