//go:build integration
// +build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/gateway"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/registry/provider"
)

// newDispatchGateway assembles a full gateway over a static registry
// pointing at the given backend addresses.
func newDispatchGateway(t *testing.T, spec config.GatewaySpec, services map[string][]string) *gateway.Gateway {
	t.Helper()

	staticCfg := &config.StaticRegistryConfig{}
	for name, addrs := range services {
		svc := config.StaticService{Name: name}
		for _, addr := range addrs {
			svc.Instances = append(svc.Instances, config.StaticInstance{Address: addr})
		}
		staticCfg.Services = append(staticCfg.Services, svc)
	}

	reg := registry.New(provider.NewStatic(staticCfg))
	require.NoError(t, reg.Refresh(context.Background()))

	g, err := gateway.New(&config.GatewayConfig{Spec: spec}, reg)
	require.NoError(t, err)
	return g
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

// countingBackend serves 200 and records how many requests it saw and
// which paths they carried.
type countingBackend struct {
	srv   *httptest.Server
	hits  atomic.Int64
	mu    sync.Mutex
	paths map[string]int
}

func newCountingBackend(t *testing.T) *countingBackend {
	t.Helper()

	b := &countingBackend{paths: make(map[string]int)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		b.mu.Lock()
		b.paths[r.URL.Path]++
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *countingBackend) pathCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paths[path]
}

func TestIntegration_ConcurrentRoundRobinSpreadsLoad(t *testing.T) {
	t.Parallel()

	first := newCountingBackend(t)
	second := newCountingBackend(t)

	spec := config.GatewaySpec{
		LoadBalancer: &config.BalancerConfig{Strategy: config.StrategyRoundRobin},
		Routes: []config.Route{{
			Name:    "users",
			Match:   []config.RouteMatch{{URI: &config.URIMatch{Prefix: "/api/users"}}},
			Service: "users-svc",
			Rewrite: &config.RewriteConfig{StripPrefix: "/api"},
		}},
	}

	g := newDispatchGateway(t, spec, map[string][]string{
		"users-svc": {hostOf(t, first.srv), hostOf(t, second.srv)},
	})

	edge := httptest.NewServer(g.Handler())
	defer edge.Close()

	const total = 100

	var failed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(edge.URL + "/api/users")
			if err != nil || resp.StatusCode != http.StatusOK {
				failed.Add(1)
			}
			if resp != nil {
				_ = resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failed.Load(), "every request should succeed")
	assert.EqualValues(t, total, first.hits.Load()+second.hits.Load())

	// Round robin alternates instances, so a concurrent burst still
	// lands half on each backend.
	assert.EqualValues(t, total/2, first.hits.Load())
	assert.EqualValues(t, total/2, second.hits.Load())

	// Both backends saw the rewritten path, never the public prefix.
	assert.Equal(t, total/2, first.pathCount("/users"))
	assert.Zero(t, first.pathCount("/api/users"))
}

func TestIntegration_RetryRecoversFromSlowInstance(t *testing.T) {
	t.Parallel()

	var slowHits atomic.Int64
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slowHits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer slow.Close()

	var fastHits atomic.Int64
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fastHits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("recovered"))
	}))
	defer fast.Close()

	spec := config.GatewaySpec{
		Routes: []config.Route{{
			Name:    "orders",
			Match:   []config.RouteMatch{{URI: &config.URIMatch{Prefix: "/orders"}}},
			Service: "orders-svc",
			Balancer: &config.BalancerConfig{
				Strategy: config.StrategyRoundRobin,
			},
			Retries: &config.RetryConfig{
				Enabled:        true,
				MaxAttempts:    2,
				PerTryTimeout:  config.Duration(100 * time.Millisecond),
				InitialBackoff: config.Duration(10 * time.Millisecond),
			},
		}},
	}

	g := newDispatchGateway(t, spec, map[string][]string{
		"orders-svc": {hostOf(t, slow), hostOf(t, fast)},
	})

	edge := httptest.NewServer(g.Handler())
	defer edge.Close()

	// Drive requests until one starts on the slow instance. Round
	// robin alternates, so of any two consecutive requests one begins
	// on the slow backend and must recover on the fast one.
	var sawRetry bool
	for i := 0; i < 2 && !sawRetry; i++ {
		resp, err := http.Get(edge.URL + "/orders")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()

		if slowHits.Load() > 0 {
			sawRetry = true
		}
	}

	require.True(t, sawRetry, "at least one request should have started on the slow instance")
	assert.EqualValues(t, 1, slowHits.Load())
	assert.GreaterOrEqual(t, fastHits.Load(), int64(1))
}
