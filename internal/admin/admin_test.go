package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/gateway"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/registry/provider"
)

func newTestServer(t *testing.T) (*Server, *gateway.Gateway) {
	t.Helper()

	staticCfg := &config.StaticRegistryConfig{
		Services: []config.StaticService{{
			Name: "users-svc",
			Instances: []config.StaticInstance{
				{Address: "10.0.0.1:8080", Weight: 2},
				{Address: "10.0.0.2:8080"},
			},
		}},
	}

	reg := registry.New(provider.NewStatic(staticCfg))
	require.NoError(t, reg.Refresh(context.Background()))

	cfg := &config.GatewayConfig{
		Spec: config.GatewaySpec{
			Routes: []config.Route{{
				Name:    "users",
				Match:   []config.RouteMatch{{URI: &config.URIMatch{Prefix: "/users"}}},
				Service: "users-svc",
			}},
			CircuitBreaker: &config.CircuitBreakerConfig{Enabled: true},
		},
	}

	gw, err := gateway.New(cfg, reg)
	require.NoError(t, err)

	return New(&config.AdminConfig{Enabled: true}, gw), gw
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz_NotReadyBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/gateway/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.False(t, resp.Running)
	assert.Equal(t, "static", resp.Provider)
	assert.Equal(t, 1, resp.Routes)
	assert.Equal(t, 1, resp.Services)
}

func TestServices(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/gateway/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Services []serviceEntry `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Services, 1)
	svc := resp.Services[0]
	assert.Equal(t, "users-svc", svc.Name)
	assert.Equal(t, 2, svc.Healthy)
	require.Len(t, svc.Instances, 2)
	assert.True(t, svc.Instances[0].Healthy)
}

func TestBreakers(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/gateway/breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":true`)
}

func TestRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/gateway/routes")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Routes []routeEntry `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Routes, 1)
	assert.Equal(t, "users", resp.Routes[0].Name)
	assert.Equal(t, "passthrough", resp.Routes[0].Protocol)
}
