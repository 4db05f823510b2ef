package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

// Kubernetes discovers instances from cluster Endpoints objects. Services
// are selected by label; each ready endpoint address becomes one instance
// on the first port of its subset.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	logger    observability.Logger
}

// KubeOption configures the Kubernetes provider.
type KubeOption func(*Kubernetes)

// WithKubeLogger sets the logger for the Kubernetes provider.
func WithKubeLogger(logger observability.Logger) KubeOption {
	return func(k *Kubernetes) {
		k.logger = logger
	}
}

// WithKubeClientset injects an existing clientset instead of building
// one from kubeconfig or the in-cluster environment.
func WithKubeClientset(client kubernetes.Interface) KubeOption {
	return func(k *Kubernetes) {
		k.client = client
	}
}

// NewKubernetes creates a Kubernetes provider from configuration.
func NewKubernetes(cfg *config.KubeRegistryConfig, opts ...KubeOption) (*Kubernetes, error) {
	if cfg == nil {
		cfg = &config.KubeRegistryConfig{}
	}

	k := &Kubernetes{
		namespace: cfg.Namespace,
		selector:  cfg.LabelSelector,
		logger:    observability.NopLogger(),
	}
	if k.namespace == "" {
		k.namespace = metav1.NamespaceDefault
	}

	for _, opt := range opts {
		opt(k)
	}

	if k.client == nil {
		restCfg, err := buildRESTConfig(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		k.client = client
	}

	return k, nil
}

// buildRESTConfig resolves cluster credentials: an explicit kubeconfig
// path wins, otherwise the in-cluster service account is used.
func buildRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
		return cfg, nil
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	return cfg, nil
}

// Name returns the provider kind.
func (k *Kubernetes) Name() string {
	return config.RegistryProviderKubernetes
}

// Services returns the names of the label-selected services.
func (k *Kubernetes) Services(ctx context.Context) ([]string, error) {
	list, err := k.client.CoreV1().Services(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: k.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	names := make([]string, 0, len(list.Items))
	for _, svc := range list.Items {
		names = append(names, svc.Name)
	}
	return names, nil
}

// ListInstances flattens the ready endpoint addresses of a service.
// A missing Endpoints object means the service has no instances yet.
func (k *Kubernetes) ListInstances(ctx context.Context, service string) ([]Instance, error) {
	endpoints, err := k.client.CoreV1().Endpoints(k.namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get endpoints for %s: %w", service, err)
	}

	instances := make([]Instance, 0)
	for _, subset := range endpoints.Subsets {
		if len(subset.Ports) == 0 {
			continue
		}
		port := subset.Ports[0].Port
		for _, addr := range subset.Addresses {
			instances = append(instances, endpointInstance(addr, port))
		}
	}
	return instances, nil
}

// endpointInstance converts one endpoint address into an instance. The
// pod name identifies the instance when the address has a target ref,
// so health state survives pod IP reuse.
func endpointInstance(addr corev1.EndpointAddress, port int32) Instance {
	address := addr.IP + ":" + strconv.Itoa(int(port))

	id := address
	var tags map[string]string
	if addr.TargetRef != nil && addr.TargetRef.Name != "" {
		id = addr.TargetRef.Name
		tags = map[string]string{"pod": addr.TargetRef.Name}
	}
	if addr.NodeName != nil && *addr.NodeName != "" {
		if tags == nil {
			tags = make(map[string]string)
		}
		tags["node"] = *addr.NodeName
	}

	return Instance{
		ID:      id,
		Address: address,
		Weight:  1,
		Tags:    tags,
	}
}

// Watch streams a coalesced change signal whenever any selected
// Endpoints object changes. The watch reconnects until the context is
// canceled.
func (k *Kubernetes) Watch(ctx context.Context) (<-chan struct{}, error) {
	notifyCh := make(chan struct{}, 1)

	go func() {
		defer close(notifyCh)

		for {
			w, err := k.client.CoreV1().Endpoints(k.namespace).Watch(ctx, metav1.ListOptions{
				LabelSelector: k.selector,
			})
			if err != nil {
				k.logger.Warn("endpoints watch failed, retrying",
					observability.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(watchRetryInterval):
				}
				continue
			}

			for range w.ResultChan() {
				select {
				case notifyCh <- struct{}{}:
				default:
					// A signal is already pending.
				}
			}
			w.Stop()

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return notifyCh, nil
}

// Close is a no-op; the clientset holds no long-lived connections that
// need explicit shutdown.
func (k *Kubernetes) Close() error {
	return nil
}
