package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *GatewayConfig) error {
	v := NewValidator()
	return v.Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *GatewayConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateRoot(config)
	v.validateMetadata(&config.Metadata)
	v.validateSpec(&config.Spec)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateRoot validates root-level fields.
func (v *Validator) validateRoot(config *GatewayConfig) {
	if config.APIVersion == "" {
		v.addError("apiVersion", "apiVersion is required")
	} else if !strings.HasPrefix(config.APIVersion, APIVersionPrefix) {
		v.addError("apiVersion", fmt.Sprintf("apiVersion must start with '%s'", APIVersionPrefix))
	}

	if config.Kind == "" {
		v.addError("kind", "kind is required")
	} else if config.Kind != KindGateway {
		v.addError("kind", fmt.Sprintf("kind must be '%s'", KindGateway))
	}
}

// validateMetadata validates metadata fields.
func (v *Validator) validateMetadata(metadata *Metadata) {
	if metadata.Name == "" {
		v.addError("metadata.name", "name is required")
	}
}

// validateSpec validates the gateway spec.
func (v *Validator) validateSpec(spec *GatewaySpec) {
	if len(spec.Listeners) == 0 {
		v.addError("spec.listeners", "at least one listener is required")
	}

	v.validateListeners(spec.Listeners)
	v.validateRegistry(&spec.Registry)
	v.validateRoutes(spec)

	if spec.HealthCheck != nil {
		v.validateHealthCheck(spec.HealthCheck, "spec.healthCheck")
	}

	if spec.LoadBalancer != nil {
		v.validateBalancer(spec.LoadBalancer, "spec.loadBalancer")
	}

	if spec.CircuitBreaker != nil {
		v.validateCircuitBreaker(spec.CircuitBreaker, "spec.circuitBreaker")
	}

	if spec.RateLimit != nil {
		v.validateRateLimit(spec.RateLimit, "spec.rateLimit")
	}

	if spec.Retry != nil {
		v.validateRetry(spec.Retry, "spec.retry")
	}

	if spec.ClientRateLimit != nil && spec.ClientRateLimit.Enabled {
		v.validateClientRateLimit(spec.ClientRateLimit, "spec.clientRateLimit")
	}

	if spec.Overload != nil && spec.Overload.Enabled {
		v.validateOverload(spec.Overload, "spec.overload")
	}

	if spec.Admin != nil && spec.Admin.Enabled {
		v.validateBindPort(spec.Admin.Bind, spec.Admin.GetEffectivePort(), "spec.admin")
	}

	if spec.Metrics != nil && spec.Metrics.Enabled {
		v.validateBindPort(spec.Metrics.Bind, spec.Metrics.GetEffectivePort(), "spec.metrics")
	}
}

// validateListeners validates listener configurations.
func (v *Validator) validateListeners(listeners []Listener) {
	names := make(map[string]bool)
	ports := make(map[int]string)

	for i := range listeners {
		listener := &listeners[i]
		path := fmt.Sprintf("spec.listeners[%d]", i)

		switch {
		case listener.Name == "":
			v.addError(path+".name", "listener name is required")
		case names[listener.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate listener name: %s", listener.Name))
		default:
			names[listener.Name] = true
		}

		if err := util.ValidatePort(listener.Port); err != nil {
			v.addError(path+".port", err.Error())
		} else if existing, taken := ports[listener.Port]; taken {
			v.addError(path+".port", fmt.Sprintf("port %d already used by listener %s", listener.Port, existing))
		} else {
			ports[listener.Port] = listener.Name
		}

		switch listener.Protocol {
		case "":
			v.addError(path+".protocol", "protocol is required")
		case ListenerProtocolHTTP, ListenerProtocolGRPC:
		default:
			v.addError(path+".protocol", "protocol must be HTTP or GRPC")
		}

		if listener.Bind != "" {
			if err := util.ValidateIPAddress(listener.Bind); err != nil {
				v.addError(path+".bind", err.Error())
			}
		}
	}
}

// validateRegistry validates the registry source selection.
func (v *Validator) validateRegistry(registry *Registry) {
	switch registry.Provider {
	case "":
		v.addError("spec.registry.provider", "provider is required")
		return
	case RegistryProviderStatic:
		if registry.Static == nil {
			v.addError("spec.registry.static", "static provider requires a static section")
			return
		}
		v.validateStaticRegistry(registry.Static)
	case RegistryProviderEtcd:
		if registry.Etcd == nil {
			v.addError("spec.registry.etcd", "etcd provider requires an etcd section")
			return
		}
		v.validateEtcdRegistry(registry.Etcd)
	case RegistryProviderKubernetes:
		// the kubernetes section is optional: defaults discover all
		// namespaces with in-cluster credentials
	default:
		v.addError("spec.registry.provider",
			fmt.Sprintf("unknown provider %q, must be static, etcd, or kubernetes", registry.Provider))
	}

	if registry.RefreshInterval < 0 {
		v.addError("spec.registry.refreshInterval", "refreshInterval cannot be negative")
	}
}

// validateStaticRegistry validates inline service definitions.
func (v *Validator) validateStaticRegistry(static *StaticRegistryConfig) {
	names := make(map[string]bool)

	for i := range static.Services {
		svc := &static.Services[i]
		path := fmt.Sprintf("spec.registry.static.services[%d]", i)

		switch {
		case svc.Name == "":
			v.addError(path+".name", "service name is required")
		case names[svc.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate service name: %s", svc.Name))
		default:
			names[svc.Name] = true
		}

		ids := make(map[string]bool)
		for j := range svc.Instances {
			inst := &svc.Instances[j]
			instPath := fmt.Sprintf("%s.instances[%d]", path, j)

			if err := util.ValidateHostPort(inst.Address); err != nil {
				v.addError(instPath+".address", err.Error())
			}

			if err := util.ValidateWeight(inst.Weight); err != nil {
				v.addError(instPath+".weight", err.Error())
			}

			id := inst.ID
			if id == "" {
				id = inst.Address
			}
			if ids[id] {
				v.addError(instPath+".id", fmt.Sprintf("duplicate instance id: %s", id))
			}
			ids[id] = true
		}
	}
}

// validateEtcdRegistry validates the KV registry source.
func (v *Validator) validateEtcdRegistry(etcd *EtcdRegistryConfig) {
	if len(etcd.Endpoints) == 0 {
		v.addError("spec.registry.etcd.endpoints", "at least one endpoint is required")
	}

	for i, ep := range etcd.Endpoints {
		if err := util.ValidateHostPort(ep); err != nil {
			v.addError(fmt.Sprintf("spec.registry.etcd.endpoints[%d]", i), err.Error())
		}
	}

	if etcd.DialTimeout < 0 {
		v.addError("spec.registry.etcd.dialTimeout", "dialTimeout cannot be negative")
	}
}

// validateRoutes validates route configurations including service
// references against a static registry.
func (v *Validator) validateRoutes(spec *GatewaySpec) {
	staticServices := map[string]bool{}
	if spec.Registry.Provider == RegistryProviderStatic && spec.Registry.Static != nil {
		for _, svc := range spec.Registry.Static.Services {
			staticServices[svc.Name] = true
		}
	}

	names := make(map[string]bool)
	for i := range spec.Routes {
		route := &spec.Routes[i]
		path := fmt.Sprintf("spec.routes[%d]", i)

		switch {
		case route.Name == "":
			v.addError(path+".name", "route name is required")
		case names[route.Name]:
			v.addError(path+".name", fmt.Sprintf("duplicate route name: %s", route.Name))
		default:
			names[route.Name] = true
		}

		v.validateRouteService(route, path, staticServices)
		v.validateRouteMatches(route, path)
		v.validateRouteProtocol(route, path)
		v.validateRouteRewrite(route, path)

		if route.Timeout < 0 {
			v.addError(path+".timeout", "timeout cannot be negative")
		}

		if route.Retries != nil {
			v.validateRetry(route.Retries, path+".retries")
		}

		if route.Balancer != nil {
			v.validateBalancer(route.Balancer, path+".balancer")
		}

		if route.RateLimit != nil {
			v.validateRateLimit(route.RateLimit, path+".rateLimit")
		}
	}
}

// validateRouteService checks the upstream service reference.
func (v *Validator) validateRouteService(route *Route, path string, staticServices map[string]bool) {
	if route.Service == "" {
		v.addError(path+".service", "service is required")
		return
	}
	if len(staticServices) > 0 && !staticServices[route.Service] {
		v.addError(path+".service",
			fmt.Sprintf("service %q is not defined in the static registry", route.Service))
	}
}

// validateRouteMatches validates route match conditions.
func (v *Validator) validateRouteMatches(route *Route, path string) {
	if len(route.Match) == 0 {
		v.addError(path+".match", "at least one match condition is required")
		return
	}

	for j := range route.Match {
		match := &route.Match[j]
		matchPath := fmt.Sprintf("%s.match[%d]", path, j)

		if match.IsEmpty() {
			v.addError(matchPath, "match condition is empty")
			continue
		}

		if match.URI != nil && !match.URI.IsEmpty() {
			v.validateURIMatch(match.URI, matchPath+".uri")
		}

		for k, method := range match.Methods {
			if err := util.ValidateHTTPMethod(method); err != nil {
				v.addError(fmt.Sprintf("%s.methods[%d]", matchPath, k), err.Error())
			}
		}

		for k := range match.Headers {
			v.validateHeaderMatch(&match.Headers[k], fmt.Sprintf("%s.headers[%d]", matchPath, k))
		}

		for k := range match.QueryParams {
			v.validateQueryParamMatch(&match.QueryParams[k], fmt.Sprintf("%s.queryParams[%d]", matchPath, k))
		}
	}
}

// validateURIMatch checks URI match exclusivity and shape.
func (v *Validator) validateURIMatch(uri *URIMatch, path string) {
	set := 0
	if uri.Exact != "" {
		set++
		if !strings.HasPrefix(uri.Exact, "/") {
			v.addError(path+".exact", "exact match must start with /")
		}
	}
	if uri.Prefix != "" {
		set++
		if !strings.HasPrefix(uri.Prefix, "/") {
			v.addError(path+".prefix", "prefix match must start with /")
		}
	}
	if uri.Regex != "" {
		set++
		if err := util.ValidateRegex(uri.Regex); err != nil {
			v.addError(path+".regex", err.Error())
		}
	}
	if set > 1 {
		v.addError(path, "only one of exact, prefix, regex may be set")
	}
}

// validateHeaderMatch checks a header match condition.
func (v *Validator) validateHeaderMatch(h *HeaderMatch, path string) {
	if err := util.ValidateHeaderName(h.Name); err != nil {
		v.addError(path+".name", err.Error())
	}
	if h.Regex != "" {
		if err := util.ValidateRegex(h.Regex); err != nil {
			v.addError(path+".regex", err.Error())
		}
	}
	if h.Exact != "" && h.Regex != "" {
		v.addError(path, "only one of exact, regex may be set")
	}
}

// validateQueryParamMatch checks a query parameter match condition.
func (v *Validator) validateQueryParamMatch(q *QueryParamMatch, path string) {
	if q.Name == "" {
		v.addError(path+".name", "query parameter name is required")
	}
	if q.Regex != "" {
		if err := util.ValidateRegex(q.Regex); err != nil {
			v.addError(path+".regex", err.Error())
		}
	}
	if q.Exact != "" && q.Regex != "" {
		v.addError(path, "only one of exact, regex may be set")
	}
}

// validateRouteProtocol checks protocol and transcode coupling.
func (v *Validator) validateRouteProtocol(route *Route, path string) {
	switch route.GetEffectiveProtocol() {
	case RouteProtocolPassthrough:
		if route.Transcode != nil {
			v.addError(path+".transcode", "transcode section requires protocol: transcode")
		}
	case RouteProtocolTranscode:
		if route.Transcode == nil {
			v.addError(path+".transcode", "protocol transcode requires a transcode section")
			return
		}
		if route.Transcode.Descriptor == "" {
			v.addError(path+".transcode.descriptor", "descriptor is required")
		}
		if route.Transcode.RPCService == "" {
			v.addError(path+".transcode.rpcService", "rpcService is required")
		}
		if route.Transcode.RPCMethod == "" {
			v.addError(path+".transcode.rpcMethod", "rpcMethod is required")
		}
	default:
		v.addError(path+".protocol", fmt.Sprintf("unknown protocol %q, must be passthrough or transcode", route.Protocol))
	}
}

// validateRouteRewrite checks the rewrite rule.
func (v *Validator) validateRouteRewrite(route *Route, path string) {
	if route.Rewrite == nil {
		return
	}
	if route.Rewrite.StripPrefix != "" && route.Rewrite.URI != "" {
		v.addError(path+".rewrite", "only one of stripPrefix, uri may be set")
	}
	if route.Rewrite.StripPrefix != "" && !strings.HasPrefix(route.Rewrite.StripPrefix, "/") {
		v.addError(path+".rewrite.stripPrefix", "stripPrefix must start with /")
	}
	if route.Rewrite.URI != "" && !strings.HasPrefix(route.Rewrite.URI, "/") {
		v.addError(path+".rewrite.uri", "uri must start with /")
	}
}

// validateHealthCheck checks probe settings.
func (v *Validator) validateHealthCheck(hc *HealthCheckConfig, path string) {
	if !hc.Enabled {
		return
	}
	if hc.Interval < 0 {
		v.addError(path+".interval", "interval cannot be negative")
	}
	if hc.Timeout < 0 {
		v.addError(path+".timeout", "timeout cannot be negative")
	}
	if hc.Interval > 0 && hc.Timeout > 0 && hc.Timeout.Duration() >= hc.Interval.Duration() {
		v.addError(path+".timeout", "timeout must be shorter than interval")
	}
	if hc.Path != "" && !strings.HasPrefix(hc.Path, "/") {
		v.addError(path+".path", "path must start with /")
	}
	if hc.HealthyThreshold < 0 {
		v.addError(path+".healthyThreshold", "healthyThreshold cannot be negative")
	}
	if hc.UnhealthyThreshold < 0 {
		v.addError(path+".unhealthyThreshold", "unhealthyThreshold cannot be negative")
	}
}

// validateBalancer checks the strategy name.
func (v *Validator) validateBalancer(b *BalancerConfig, path string) {
	switch b.Strategy {
	case "", StrategyRoundRobin, StrategyWeighted, StrategyLeastConn, StrategyRandom:
	default:
		v.addError(path+".strategy",
			fmt.Sprintf("unknown strategy %q, must be round_robin, weighted_round_robin, least_conn, or random", b.Strategy))
	}
}

// validateCircuitBreaker checks breaker settings.
func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig, path string) {
	if !cb.Enabled {
		return
	}
	switch cb.Scope {
	case "", BreakerScopeInstance, BreakerScopeService:
	default:
		v.addError(path+".scope",
			fmt.Sprintf("unknown scope %q, must be instance or service", cb.Scope))
	}
	if cb.FailureThreshold < 0 {
		v.addError(path+".failureThreshold", "failureThreshold cannot be negative")
	}
	if cb.Cooldown < 0 {
		v.addError(path+".cooldown", "cooldown cannot be negative")
	}
	if cb.MaxCooldown != 0 && cb.MaxCooldown.Duration() < cb.GetEffectiveCooldown() {
		v.addError(path+".maxCooldown", "maxCooldown must be at least cooldown")
	}
}

// validateRateLimit checks admission settings.
func (v *Validator) validateRateLimit(rl *RateLimitConfig, path string) {
	if !rl.Enabled {
		return
	}

	if rl.Requests <= 0 {
		v.addError(path+".requests", "requests must be positive")
	}
	if rl.Window <= 0 {
		v.addError(path+".window", "window must be positive")
	}

	switch rl.GetEffectiveAlgorithm() {
	case RateLimitAlgorithmFixedWindow, RateLimitAlgorithmSlidingWindow:
	default:
		v.addError(path+".algorithm",
			fmt.Sprintf("unknown algorithm %q, must be fixed_window or sliding_window", rl.Algorithm))
	}

	switch rl.GetEffectiveKeyBy() {
	case RateLimitKeyClientIP, RateLimitKeyRoute:
	case RateLimitKeyHeader:
		if rl.Header == "" {
			v.addError(path+".header", "header is required when keyBy is header")
		} else if err := util.ValidateHeaderName(rl.Header); err != nil {
			v.addError(path+".header", err.Error())
		}
	default:
		v.addError(path+".keyBy",
			fmt.Sprintf("unknown keyBy %q, must be client_ip, header, or route", rl.KeyBy))
	}

	switch rl.GetEffectiveStore() {
	case RateLimitStoreMemory:
	case RateLimitStoreRedis:
		if rl.Redis == nil || rl.Redis.Address == "" {
			v.addError(path+".redis.address", "redis address is required when store is redis")
		} else if err := util.ValidateHostPort(rl.Redis.Address); err != nil {
			v.addError(path+".redis.address", err.Error())
		}
	default:
		v.addError(path+".store",
			fmt.Sprintf("unknown store %q, must be memory or redis", rl.Store))
	}
}

// validateRetry checks retry settings.
func (v *Validator) validateRetry(r *RetryConfig, path string) {
	if r.MaxAttempts < 0 {
		v.addError(path+".maxAttempts", "maxAttempts cannot be negative")
	}
	if r.PerTryTimeout < 0 {
		v.addError(path+".perTryTimeout", "perTryTimeout cannot be negative")
	}
	if r.InitialBackoff < 0 {
		v.addError(path+".initialBackoff", "initialBackoff cannot be negative")
	}
	if r.MaxBackoff != 0 && r.MaxBackoff < r.InitialBackoff {
		v.addError(path+".maxBackoff", "maxBackoff must be at least initialBackoff")
	}
	if r.BackoffFactor != 0 && r.BackoffFactor < 1 {
		v.addError(path+".backoffFactor", "backoffFactor must be at least 1")
	}
}

// validateClientRateLimit checks inbound client throttling settings.
func (v *Validator) validateClientRateLimit(c *ClientRateLimitConfig, path string) {
	if c.RequestsPerSecond <= 0 {
		v.addError(path+".requestsPerSecond", "requestsPerSecond must be positive")
	}
	if c.Burst < 0 {
		v.addError(path+".burst", "burst cannot be negative")
	}
}

// validateOverload checks the overload breaker settings.
func (v *Validator) validateOverload(o *OverloadConfig, path string) {
	if o.Threshold < 0 {
		v.addError(path+".threshold", "threshold cannot be negative")
	}
	if o.Timeout < 0 {
		v.addError(path+".timeout", "timeout cannot be negative")
	}
}

// validateBindPort checks an auxiliary server bind address and port.
func (v *Validator) validateBindPort(bind string, port int, path string) {
	if bind != "" {
		if err := util.ValidateIPAddress(bind); err != nil {
			v.addError(path+".bind", err.Error())
		}
	}
	if err := util.ValidatePort(port); err != nil {
		v.addError(path+".port", err.Error())
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
