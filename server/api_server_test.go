package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itzg/mc-srv-proxy/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApiRouter_Candidates(t *testing.T) {
	backends := &fakeBackends{records: []discovery.SrvRecord{
		{Priority: 20, Weight: 0, Port: 2, Target: "fallback.example.com."},
		{Priority: 10, Weight: 5, Port: 1, Target: "primary.example.com."},
	}}
	router := NewApiRouter(backends, MetricsBackendDiscard)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/candidates", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp candidatesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []discovery.SrvRecord{
		{Priority: 10, Weight: 5, Port: 1, Target: "primary.example.com."},
		{Priority: 20, Weight: 0, Port: 2, Target: "fallback.example.com."},
	}, resp.Candidates)
}

func TestApiRouter_CandidatesErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "no records", err: discovery.ErrNoRecords, status: http.StatusNotFound},
		{name: "dns failure", err: errors.New("all servers failed"), status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewApiRouter(&fakeBackends{err: tt.err}, MetricsBackendDiscard)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/candidates", nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestApiRouter_Healthz(t *testing.T) {
	router := NewApiRouter(&fakeBackends{}, MetricsBackendDiscard)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApiRouter_ExpvarMetrics(t *testing.T) {
	router := NewApiRouter(&fakeBackends{}, MetricsBackendExpvar)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memstats")
}
