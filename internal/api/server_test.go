package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcal-health/dcal/internal/audit"
	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/rulestore"
)

func newTestServer(t *testing.T) (*Server, *audit.MemoryStore) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := rulestore.New(&rulestore.MemoryLoader{
		Ruleset: domain.Ruleset{Version: "2026.1", Status: domain.RulesetActive},
	})
	require.NoError(t, store.Reload(context.Background()))

	auditStore := audit.NewMemoryStore(nil)
	manager := breaker.NewManager(domain.DefaultDegradationConfig(), nil)
	return NewServer(Config{Host: "127.0.0.1", Port: 0}, store, auditStore, manager, nil, log), auditStore
}

func TestHealthz(t *testing.T) {
	s, auditStore := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "L0_FULL", body["degradation_level"])

	auditStore.SetHealthy(false)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVerifyAuditEndpoint(t *testing.T) {
	s, auditStore := newTestServer(t)
	_, err := auditStore.Append(context.Background(), "a1", "CLM-2026-000000001", map[string]any{"recommendation": "AUTO_APPROVE"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/verify-audit?from=0&to=100", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["intact"])
}

func TestReloadRulesEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/reload-rules", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "2026.1", body["ruleset_version"])
}

func TestVerifyAuditRejectsBadParams(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/verify-audit?from=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
