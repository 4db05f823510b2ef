package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceInstance_StartsHealthy(t *testing.T) {
	t.Parallel()

	inst := NewServiceInstance("users-1", "10.0.0.1:8080", 1)
	assert.True(t, inst.Healthy())

	inst.SetHealthy(false)
	assert.False(t, inst.Healthy())

	inst.SetHealthy(true)
	assert.True(t, inst.Healthy())
}

func TestServiceInstance_WeightDefaultsToOne(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, NewServiceInstance("a", "10.0.0.1:80", 0).Weight)
	assert.Equal(t, 1, NewServiceInstance("b", "10.0.0.1:80", -3).Weight)
	assert.Equal(t, 5, NewServiceInstance("c", "10.0.0.1:80", 5).Weight)
}

func TestServiceInstance_InflightCounter(t *testing.T) {
	t.Parallel()

	inst := NewServiceInstance("users-1", "10.0.0.1:8080", 1)
	assert.Equal(t, int64(0), inst.Inflight())

	inst.IncInflight()
	inst.IncInflight()
	assert.Equal(t, int64(2), inst.Inflight())

	inst.DecInflight()
	assert.Equal(t, int64(1), inst.Inflight())
}

func TestServiceInstance_URL(t *testing.T) {
	t.Parallel()

	inst := NewServiceInstance("users-1", "10.0.0.1:8080", 1)
	assert.Equal(t, "http://10.0.0.1:8080", inst.URL())
	assert.Equal(t, "users-1 (10.0.0.1:8080)", inst.String())
}

func TestServiceEntry_CumulativeWeights(t *testing.T) {
	t.Parallel()

	entry := NewServiceEntry("users", []*ServiceInstance{
		NewServiceInstance("a", "10.0.0.1:80", 3),
		NewServiceInstance("b", "10.0.0.2:80", 1),
		NewServiceInstance("c", "10.0.0.3:80", 2),
	}, time.Now())

	assert.Equal(t, []int{3, 4, 6}, entry.CumulativeWeights())
	assert.Equal(t, 6, entry.TotalWeight())
}

func TestServiceEntry_EmptyWeights(t *testing.T) {
	t.Parallel()

	entry := NewServiceEntry("empty", nil, time.Now())
	assert.Empty(t, entry.CumulativeWeights())
	assert.Zero(t, entry.TotalWeight())
}

func TestServiceEntry_HealthyCount(t *testing.T) {
	t.Parallel()

	instances := []*ServiceInstance{
		NewServiceInstance("a", "10.0.0.1:80", 1),
		NewServiceInstance("b", "10.0.0.2:80", 1),
		NewServiceInstance("c", "10.0.0.3:80", 1),
	}
	entry := NewServiceEntry("users", instances, time.Now())
	require.Equal(t, 3, entry.HealthyCount())

	instances[1].SetHealthy(false)
	assert.Equal(t, 2, entry.HealthyCount())
}
