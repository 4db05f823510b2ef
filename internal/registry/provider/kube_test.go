package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/vyrodovalexey/avdispatch/internal/config"
)

func kubeFixtures() []runtime.Object {
	nodeA := "node-a"
	return []runtime.Object{
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "users",
				Namespace: "dispatch",
				Labels:    map[string]string{"gateway": "avdispatch"},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "orders",
				Namespace: "dispatch",
				Labels:    map[string]string{"gateway": "avdispatch"},
			},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "unrelated",
				Namespace: "dispatch",
			},
		},
		&corev1.Endpoints{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "users",
				Namespace: "dispatch",
			},
			Subsets: []corev1.EndpointSubset{
				{
					Addresses: []corev1.EndpointAddress{
						{
							IP:       "10.1.0.1",
							NodeName: &nodeA,
							TargetRef: &corev1.ObjectReference{
								Kind: "Pod",
								Name: "users-abc",
							},
						},
						{IP: "10.1.0.2"},
					},
					Ports: []corev1.EndpointPort{
						{Name: "http", Port: 8080},
						{Name: "metrics", Port: 9100},
					},
				},
			},
		},
	}
}

func TestKubernetes_ServicesFiltersBySelector(t *testing.T) {
	t.Parallel()

	client := fake.NewClientset(kubeFixtures()...)
	p, err := NewKubernetes(&config.KubeRegistryConfig{
		Namespace:     "dispatch",
		LabelSelector: "gateway=avdispatch",
	}, WithKubeClientset(client))
	require.NoError(t, err)
	assert.Equal(t, config.RegistryProviderKubernetes, p.Name())

	names, err := p.Services(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users", "orders"}, names)
}

func TestKubernetes_ListInstancesFlattensEndpoints(t *testing.T) {
	t.Parallel()

	client := fake.NewClientset(kubeFixtures()...)
	p, err := NewKubernetes(&config.KubeRegistryConfig{
		Namespace:     "dispatch",
		LabelSelector: "gateway=avdispatch",
	}, WithKubeClientset(client))
	require.NoError(t, err)

	instances, err := p.ListInstances(context.Background(), "users")
	require.NoError(t, err)
	require.Len(t, instances, 2)

	// The first subset port carries the traffic.
	assert.Equal(t, "users-abc", instances[0].ID)
	assert.Equal(t, "10.1.0.1:8080", instances[0].Address)
	assert.Equal(t, 1, instances[0].Weight)
	assert.Equal(t, "users-abc", instances[0].Tags["pod"])
	assert.Equal(t, "node-a", instances[0].Tags["node"])

	// Without a target ref the address is the identity.
	assert.Equal(t, "10.1.0.2:8080", instances[1].ID)
	assert.Equal(t, "10.1.0.2:8080", instances[1].Address)
}

func TestKubernetes_MissingEndpointsYieldsEmpty(t *testing.T) {
	t.Parallel()

	client := fake.NewClientset(kubeFixtures()...)
	p, err := NewKubernetes(&config.KubeRegistryConfig{
		Namespace: "dispatch",
	}, WithKubeClientset(client))
	require.NoError(t, err)

	instances, err := p.ListInstances(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestKubernetes_DefaultNamespace(t *testing.T) {
	t.Parallel()

	p, err := NewKubernetes(nil, WithKubeClientset(fake.NewClientset()))
	require.NoError(t, err)
	assert.Equal(t, metav1.NamespaceDefault, p.namespace)
}
