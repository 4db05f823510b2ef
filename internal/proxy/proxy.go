package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// hopHeaders are connection-scoped headers that must not be forwarded
// to the upstream, per RFC 9110 section 7.6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const (
	headerXForwardedFor   = "X-Forwarded-For"
	headerXForwardedProto = "X-Forwarded-Proto"
	headerXForwardedHost  = "X-Forwarded-Host"
	headerXRequestID      = "X-Request-Id"

	schemeHTTP  = "http"
	schemeHTTPS = "https"

	dialTimeout           = 10 * time.Second
	dialKeepAlive         = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second

	// maxDrainBytes caps how much of an abandoned response body is read
	// before closing, keeping the connection reusable without buffering
	// arbitrarily large error pages.
	maxDrainBytes = 64 << 10
)

// Response is one upstream answer, either a streamed passthrough
// response or a fully transcoded JSON payload. Body is always non-nil
// and must be closed by the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Forwarder issues one request attempt against one upstream instance.
// The retry controller wraps this interface.
type Forwarder interface {
	Forward(ctx context.Context, route *config.Route, inst *registry.ServiceInstance, r *http.Request, path string) (*Response, error)
}

// Proxy forwards attempts over a shared pooled HTTP transport and a
// gRPC connection pool. It is safe for concurrent use.
type Proxy struct {
	transport *http.Transport
	pool      *ConnPool
	schemas   *SchemaRegistry
	logger    observability.Logger
	metrics   *ProxyMetrics
}

// Option configures the Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithTransport overrides the upstream HTTP transport.
func WithTransport(t *http.Transport) Option {
	return func(p *Proxy) {
		p.transport = t
	}
}

// New creates a Proxy with a transport sized from cfg. A nil cfg uses
// the connection pool defaults.
func New(cfg *config.ProxyConfig, opts ...Option) *Proxy {
	p := &Proxy{
		logger:  observability.NopLogger(),
		metrics: GetProxyMetrics(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.transport == nil {
		p.transport = newTransport(cfg)
	}
	p.pool = NewConnPool(WithConnPoolLogger(p.logger))
	p.schemas = NewSchemaRegistry(WithSchemaLogger(p.logger))

	return p
}

func newTransport(cfg *config.ProxyConfig) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.GetEffectiveMaxIdleConns(),
		MaxIdleConnsPerHost:   cfg.GetEffectiveMaxIdleConnsPerHost(),
		IdleConnTimeout:       cfg.GetEffectiveIdleConnTimeout(),
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
	}
}

// Schemas returns the transcode schema cache, so callers can reset and
// preload it when routes change.
func (p *Proxy) Schemas() *SchemaRegistry {
	return p.schemas
}

// Forward sends one attempt of r to inst and returns the upstream
// response. path is the already rewritten forward path; the inbound
// request is not mutated, so the caller may re-issue it.
//
// Responses below 500 are valid upstream answers returned verbatim.
// Transport failures, deadline hits, and 5xx statuses surface as
// errors so the breaker and retry controller can count them.
func (p *Proxy) Forward(ctx context.Context, route *config.Route, inst *registry.ServiceInstance, r *http.Request, path string) (*Response, error) {
	switch route.GetEffectiveProtocol() {
	case config.RouteProtocolPassthrough:
		return p.forwardHTTP(ctx, route, inst, r, path)
	case config.RouteProtocolTranscode:
		return p.forwardRPC(ctx, route, inst, r)
	default:
		return nil, util.NewConfigError("protocol", fmt.Sprintf("unknown protocol %q on route %s", route.Protocol, route.Name))
	}
}

func (p *Proxy) forwardHTTP(ctx context.Context, route *config.Route, inst *registry.ServiceInstance, r *http.Request, path string) (*Response, error) {
	out := p.buildOutbound(ctx, r, inst, path)

	start := time.Now()
	resp, err := p.transport.RoundTrip(out)
	elapsed := time.Since(start)

	if err != nil {
		classified := classifyForwardError(route.Service, inst, err, elapsed)
		p.metrics.RecordForward(route.Service, protocolPassthrough, outcomeLabel(classified), elapsed)
		p.logger.Debug("forward attempt failed",
			observability.String("service", route.Service),
			observability.String("instance", inst.ID),
			observability.Duration("elapsed", elapsed),
			observability.Error(err),
		)
		return nil, classified
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// A 5xx is an instance failure. The body is dropped here: after
		// the retry budget is spent the client receives the gateway's
		// upstream-failure response, not a relayed upstream page.
		drainBody(resp.Body)
		p.metrics.RecordForward(route.Service, protocolPassthrough, statusClass(resp.StatusCode), elapsed)
		return nil, util.NewServerError(resp.StatusCode)
	}

	p.metrics.RecordForward(route.Service, protocolPassthrough, statusClass(resp.StatusCode), elapsed)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// buildOutbound clones r for the upstream call. The clone targets the
// instance address, loses hop-by-hop headers, and gains the forwarding
// chain headers.
func (p *Proxy) buildOutbound(ctx context.Context, r *http.Request, inst *registry.ServiceInstance, path string) *http.Request {
	out := r.Clone(ctx)
	out.URL.Scheme = schemeFor(inst)
	out.URL.Host = inst.Address
	out.URL.Path = path
	out.RequestURI = ""
	out.Host = inst.Address
	out.Close = false

	removeConnectionHeaders(out.Header)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get(headerXForwardedFor); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set(headerXForwardedFor, clientIP)
	}
	if r.TLS != nil {
		out.Header.Set(headerXForwardedProto, schemeHTTPS)
	} else {
		out.Header.Set(headerXForwardedProto, schemeHTTP)
	}
	if out.Header.Get(headerXForwardedHost) == "" {
		out.Header.Set(headerXForwardedHost, r.Host)
	}

	if id := observability.RequestIDFromContext(ctx); id != "" {
		out.Header.Set(headerXRequestID, id)
	}

	return out
}

// removeConnectionHeaders drops headers nominated by the Connection
// header itself, which are hop-by-hop regardless of the fixed list.
func removeConnectionHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
}

// schemeFor picks the upstream scheme. Instances default to plain HTTP
// unless the registry tagged them as TLS.
func schemeFor(inst *registry.ServiceInstance) string {
	if inst.Tags["scheme"] == schemeHTTPS {
		return schemeHTTPS
	}
	return schemeHTTP
}

// classifyForwardError maps a transport error onto the dispatch error
// taxonomy. Client disconnects pass through unchanged so they are not
// charged to the instance.
func classifyForwardError(service string, inst *registry.ServiceInstance, err error, elapsed time.Duration) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &util.TimeoutError{
			Operation: "forward to " + inst.Address,
			Duration:  elapsed,
			Cause:     err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &util.TimeoutError{
			Operation: "forward to " + inst.Address,
			Duration:  elapsed,
			Cause:     err,
		}
	}
	return util.NewUpstreamErrorWithCause(service, inst.ID, "forward failed", err)
}

// drainBody discards a bounded amount of the body and closes it so the
// transport can reuse the connection.
func drainBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}

// WriteResponse relays an upstream response to the client, streaming
// the body. Hop-by-hop headers never reach the client. Each write is
// flushed through immediately so streamed upstream responses are not
// held back by buffering.
func WriteResponse(w http.ResponseWriter, resp *Response) error {
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}

	w.WriteHeader(resp.StatusCode)

	var dst io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		dst = &flushWriter{w: w, f: flusher}
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("relay response body: %w", err)
	}
	return nil
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}

// Close releases pooled upstream connections.
func (p *Proxy) Close() error {
	p.transport.CloseIdleConnections()
	return p.pool.Close()
}

var _ Forwarder = (*Proxy)(nil)
