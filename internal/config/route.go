package config

import "net/http"

// Route protocols.
const (
	// RouteProtocolPassthrough forwards the HTTP request body unchanged.
	RouteProtocolPassthrough = "passthrough"

	// RouteProtocolTranscode converts a JSON HTTP request into a binary
	// RPC call and the RPC response back into JSON.
	RouteProtocolTranscode = "transcode"
)

// Route binds a request matcher to an upstream service and carries the
// per-route dispatch policy.
type Route struct {
	Name string `yaml:"name" json:"name"`

	// Match lists the conditions under which this route applies. A
	// request matches the route when any single RouteMatch matches.
	Match []RouteMatch `yaml:"match" json:"match"`

	// Service names the upstream service in the registry.
	Service string `yaml:"service" json:"service"`

	// Protocol is passthrough (default) or transcode.
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`

	// Rewrite transforms the request path before forwarding.
	Rewrite *RewriteConfig `yaml:"rewrite,omitempty" json:"rewrite,omitempty"`

	// Timeout bounds the whole dispatch including retries.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retries overrides the global retry policy for this route.
	Retries *RetryConfig `yaml:"retries,omitempty" json:"retries,omitempty"`

	// Balancer overrides the global load balancing strategy.
	Balancer *BalancerConfig `yaml:"balancer,omitempty" json:"balancer,omitempty"`

	// RateLimit overrides the global admission policy.
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// Idempotent marks all requests on this route as safe to retry.
	// When nil, idempotency follows the HTTP method.
	Idempotent *bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`

	// Transcode configures JSON-to-RPC conversion. Required when
	// Protocol is transcode.
	Transcode *TranscodeConfig `yaml:"transcode,omitempty" json:"transcode,omitempty"`
}

// RouteMatch represents matching conditions for a route. All configured
// conditions inside one RouteMatch must hold.
type RouteMatch struct {
	URI         *URIMatch         `yaml:"uri,omitempty" json:"uri,omitempty"`
	Methods     []string          `yaml:"methods,omitempty" json:"methods,omitempty"`
	Headers     []HeaderMatch     `yaml:"headers,omitempty" json:"headers,omitempty"`
	QueryParams []QueryParamMatch `yaml:"queryParams,omitempty" json:"queryParams,omitempty"`
}

// IsEmpty returns true if the RouteMatch has no conditions.
func (rm *RouteMatch) IsEmpty() bool {
	if rm.URI != nil && !rm.URI.IsEmpty() {
		return false
	}
	if len(rm.Methods) > 0 {
		return false
	}
	if len(rm.Headers) > 0 {
		return false
	}
	return len(rm.QueryParams) == 0
}

// URIMatch represents URI matching configuration. Exactly one of the
// fields may be set.
type URIMatch struct {
	Exact  string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Regex  string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// MatchType returns the type of URI match configured.
func (u *URIMatch) MatchType() string {
	if u.Exact != "" {
		return "exact"
	}
	if u.Prefix != "" {
		return "prefix"
	}
	if u.Regex != "" {
		return "regex"
	}
	return ""
}

// IsEmpty returns true if no match is configured.
func (u *URIMatch) IsEmpty() bool {
	return u.Exact == "" && u.Prefix == "" && u.Regex == ""
}

// HeaderMatch represents header matching configuration.
type HeaderMatch struct {
	Name    string `yaml:"name" json:"name"`
	Exact   string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Regex   string `yaml:"regex,omitempty" json:"regex,omitempty"`
	Present *bool  `yaml:"present,omitempty" json:"present,omitempty"`
}

// QueryParamMatch represents query parameter matching configuration.
type QueryParamMatch struct {
	Name    string `yaml:"name" json:"name"`
	Exact   string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Regex   string `yaml:"regex,omitempty" json:"regex,omitempty"`
	Present *bool  `yaml:"present,omitempty" json:"present,omitempty"`
}

// RewriteConfig transforms the request path before forwarding.
type RewriteConfig struct {
	// StripPrefix removes a leading path segment. A request for
	// /api/users/42 with stripPrefix /api/users forwards /42.
	StripPrefix string `yaml:"stripPrefix,omitempty" json:"stripPrefix,omitempty"`

	// URI replaces the path entirely.
	URI string `yaml:"uri,omitempty" json:"uri,omitempty"`
}

// TranscodeConfig maps an HTTP route onto a single RPC method.
type TranscodeConfig struct {
	// Descriptor is the path to a serialized FileDescriptorSet holding
	// the RPC schema.
	Descriptor string `yaml:"descriptor" json:"descriptor"`

	// RPCService is the fully qualified service name, e.g.
	// users.v1.UserService.
	RPCService string `yaml:"rpcService" json:"rpcService"`

	// RPCMethod is the method invoked on the service.
	RPCMethod string `yaml:"rpcMethod" json:"rpcMethod"`

	// RequiredFields lists request message fields that must be present
	// after decoding. Requests missing one are rejected before any
	// upstream call.
	RequiredFields []string `yaml:"requiredFields,omitempty" json:"requiredFields,omitempty"`
}

// FullMethod returns the gRPC wire method name, e.g.
// /users.v1.UserService/GetUser.
func (t *TranscodeConfig) FullMethod() string {
	return "/" + t.RPCService + "/" + t.RPCMethod
}

// GetEffectiveProtocol returns the route protocol with the default applied.
func (r *Route) GetEffectiveProtocol() string {
	if r.Protocol == "" {
		return RouteProtocolPassthrough
	}
	return r.Protocol
}

// GetEffectiveTimeout returns the route timeout with the default applied.
func (r *Route) GetEffectiveTimeout() Duration {
	if r.Timeout == 0 {
		return Duration(DefaultRouteTimeout)
	}
	return r.Timeout
}

// idempotentMethods are the HTTP methods retried by default per
// RFC 9110 section 9.2.2.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodTrace:   true,
}

// IsIdempotent reports whether a request with the given method on this
// route may be retried. The route flag overrides the method default.
func (r *Route) IsIdempotent(method string) bool {
	if r.Idempotent != nil {
		return *r.Idempotent
	}
	return idempotentMethods[method]
}
