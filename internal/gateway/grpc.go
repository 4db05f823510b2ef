package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/avdispatch/internal/balancer"
	"github.com/vyrodovalexey/avdispatch/internal/circuitbreaker"
	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/proxy"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/router"
)

// grpcStopGrace bounds how long GracefulStop may wait for in-flight
// streams before the listener is torn down hard.
const grpcStopGrace = 10 * time.Second

// GRPCListener relays gRPC streams transparently to the matched
// service. Messages cross the gateway as raw frames; the listener never
// needs the upstream's proto schema.
type GRPCListener struct {
	cfg      config.Listener
	table    *router.Table
	registry *registry.Registry
	balancer *balancer.Balancer
	breakers *circuitbreaker.Registry
	metrics  *observability.Metrics
	logger   observability.Logger
	pool     *proxy.ConnPool

	defaultStrategy string

	mu      sync.Mutex
	server  *grpc.Server
	addr    string
	running bool
}

// GRPCListenerOption configures a GRPCListener.
type GRPCListenerOption func(*GRPCListener)

// WithGRPCListenerLogger sets the logger.
func WithGRPCListenerLogger(logger observability.Logger) GRPCListenerOption {
	return func(l *GRPCListener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithGRPCListenerMetrics sets the metrics bundle.
func WithGRPCListenerMetrics(m *observability.Metrics) GRPCListenerOption {
	return func(l *GRPCListener) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithGRPCConnPool overrides the outbound connection pool.
func WithGRPCConnPool(pool *proxy.ConnPool) GRPCListenerOption {
	return func(l *GRPCListener) {
		if pool != nil {
			l.pool = pool
		}
	}
}

// NewGRPCListener creates a listener for one gRPC bind address.
func NewGRPCListener(
	cfg config.Listener,
	table *router.Table,
	reg *registry.Registry,
	bal *balancer.Balancer,
	breakers *circuitbreaker.Registry,
	defaultStrategy string,
	opts ...GRPCListenerOption,
) *GRPCListener {
	l := &GRPCListener{
		cfg:             cfg,
		table:           table,
		registry:        reg,
		balancer:        bal,
		breakers:        breakers,
		metrics:         observability.NewMetrics("dispatch"),
		logger:          observability.NopLogger(),
		defaultStrategy: defaultStrategy,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pool == nil {
		l.pool = proxy.NewConnPool(proxy.WithConnPoolLogger(l.logger))
	}
	return l
}

// Start binds the listener and begins serving streams.
func (l *GRPCListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrGatewayRunning
	}

	lis, err := net.Listen("tcp", l.cfg.Address())
	if err != nil {
		return err
	}

	l.server = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(l.handleStream),
	)
	l.addr = lis.Addr().String()
	l.running = true

	l.logger.Info("grpc listener started",
		observability.String("listener", l.cfg.Name),
		observability.String("address", l.cfg.Address()),
	)

	go func() {
		if serveErr := l.server.Serve(lis); serveErr != nil {
			l.logger.Error("grpc listener terminated",
				observability.String("listener", l.cfg.Name),
				observability.Error(serveErr),
			)
		}
	}()

	return nil
}

// Stop drains the listener. In-flight streams get grpcStopGrace to
// finish, then the server is stopped hard.
func (l *GRPCListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return ErrGatewayNotRunning
	}

	done := make(chan struct{})
	go func() {
		l.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grpcStopGrace):
		l.server.Stop()
	case <-ctx.Done():
		l.server.Stop()
	}

	l.running = false
	return l.pool.Close()
}

// Address returns the bound listen address once started.
func (l *GRPCListener) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// handleStream relays one stream of any arity to the matched upstream.
func (l *GRPCListener) handleStream(srv interface{}, serverStream grpc.ServerStream) error {
	start := time.Now()
	ctx := serverStream.Context()

	fullMethod, ok := grpc.Method(ctx)
	if !ok {
		return status.Error(codes.Internal, "no method in stream context")
	}

	match, err := l.table.Match(syntheticRequest(fullMethod))
	if err != nil {
		l.logger.Warn("no route for grpc method",
			observability.String("method", fullMethod),
		)
		return status.Errorf(codes.Unimplemented, "no route for method %s", fullMethod)
	}
	route := &match.Route.Config

	entry, err := l.registry.Lookup(route.Service)
	if err != nil {
		return status.Errorf(codes.Unavailable, "service %s is not registered", route.Service)
	}

	inst, err := l.selectInstance(entry, route)
	if err != nil {
		return status.Errorf(codes.Unavailable, "no instance available for %s", route.Service)
	}

	var cancel context.CancelFunc
	if timeout := route.GetEffectiveTimeout().Duration(); timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	conn, err := l.pool.Get(inst.Address)
	if err != nil {
		l.reportBreaker(route.Service, inst, err)
		return status.Errorf(codes.Unavailable, "upstream %s unreachable", inst.Address)
	}

	inst.IncInflight()
	relayErr := l.relay(ctx, serverStream, conn, fullMethod)
	inst.DecInflight()

	l.reportBreaker(route.Service, inst, breakerRelevant(relayErr))

	httpStatus := http.StatusOK
	if relayErr != nil {
		httpStatus = httpStatusFromGRPC(status.Code(relayErr))
	}
	l.metrics.RecordRequest("GRPC", route.Name, httpStatus, time.Since(start))

	return relayErr
}

// selectInstance picks one healthy admitted instance. Losing the
// half-open trial claim excludes the instance and picks again.
func (l *GRPCListener) selectInstance(entry *registry.ServiceEntry, route *config.Route) (*registry.ServiceInstance, error) {
	strategy := l.defaultStrategy
	if route.Balancer != nil {
		strategy = route.Balancer.GetEffectiveStrategy()
	}

	exclude := make(map[string]struct{})
	for {
		inst, err := l.balancer.SelectExcluding(entry, strategy, exclude)
		if err != nil {
			return nil, err
		}
		if l.breakers != nil {
			if err := l.breakers.For(route.Service, inst.ID).Allow(); err != nil {
				exclude[inst.ID] = struct{}{}
				continue
			}
		}
		l.metrics.RecordSelection(route.Service, inst.ID, strategy)
		return inst, nil
	}
}

// relay opens the outbound stream and pumps frames both ways until both
// directions settle.
func (l *GRPCListener) relay(ctx context.Context, serverStream grpc.ServerStream, conn *grpc.ClientConn, fullMethod string) error {
	outCtx := outgoingContext(ctx)

	desc := &grpc.StreamDesc{
		StreamName:    fullMethod,
		ServerStreams: true,
		ClientStreams: true,
	}

	clientStream, err := conn.NewStream(outCtx, desc, fullMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return err
	}

	inboundDone := make(chan error, 1)
	outboundDone := make(chan error, 1)

	go func() {
		inboundDone <- pumpInbound(serverStream, clientStream)
	}()
	go func() {
		outboundDone <- pumpOutbound(clientStream, serverStream)
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-inboundDone:
			if err != nil && !errors.Is(err, io.EOF) {
				_ = clientStream.CloseSend()
				return err
			}
		case err := <-outboundDone:
			serverStream.SetTrailer(clientStream.Trailer())
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// pumpInbound moves request frames from the client to the upstream.
func pumpInbound(serverStream grpc.ServerStream, clientStream grpc.ClientStream) error {
	for {
		f := &frame{}
		if err := serverStream.RecvMsg(f); err != nil {
			if errors.Is(err, io.EOF) {
				return clientStream.CloseSend()
			}
			return err
		}
		if err := clientStream.SendMsg(f); err != nil {
			return err
		}
	}
}

// pumpOutbound moves response frames from the upstream to the client.
// The upstream's EOF carries the final status in the trailer, so it is
// not an error here. The response header is relayed from inside this
// pump: Header() blocks until the upstream answers, and the upstream
// will not answer before pumpInbound has delivered the request frames,
// so it must never be awaited ahead of the pumps.
func pumpOutbound(clientStream grpc.ClientStream, serverStream grpc.ServerStream) error {
	headerRelayed := false
	for {
		f := &frame{}
		if err := clientStream.RecvMsg(f); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !headerRelayed {
			headerRelayed = true
			if md, err := clientStream.Header(); err == nil && md.Len() > 0 {
				_ = serverStream.SendHeader(md)
			}
		}
		if err := serverStream.SendMsg(f); err != nil {
			return err
		}
	}
}

// reportBreaker feeds the stream outcome to the instance breaker.
func (l *GRPCListener) reportBreaker(service string, inst *registry.ServiceInstance, err error) {
	if l.breakers == nil || inst == nil {
		return
	}
	br := l.breakers.For(service, inst.ID)
	if err == nil {
		br.RecordSuccess()
	} else {
		br.RecordFailure()
	}
}

// breakerRelevant filters stream errors down to those that indicate an
// unhealthy instance. Application-level statuses from the upstream are
// valid answers and must not trip the breaker.
func breakerRelevant(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal:
		return err
	default:
		return nil
	}
}

// syntheticRequest shapes a gRPC full method as an HTTP request so the
// shared route table can match it.
func syntheticRequest(fullMethod string) *http.Request {
	return &http.Request{
		Method: http.MethodPost,
		URL:    &url.URL{Path: fullMethod},
		Header: http.Header{},
	}
}

// outgoingContext copies forwardable metadata onto the outbound stream
// and stamps the request id for upstream correlation.
func outgoingContext(ctx context.Context) context.Context {
	inMD, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		inMD = metadata.MD{}
	}

	outMD := metadata.MD{}
	for k, v := range inMD {
		if forwardableMetadata(k) {
			outMD[k] = v
		}
	}

	if id := observability.RequestIDFromContext(ctx); id != "" {
		outMD.Set("x-request-id", id)
	}

	return metadata.NewOutgoingContext(ctx, outMD)
}

// hopMetadata lists connection-scoped keys that stay on this hop.
var hopMetadata = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// forwardableMetadata reports whether a metadata key crosses the hop.
// Pseudo-headers and connection-scoped keys do not.
func forwardableMetadata(key string) bool {
	if key == "" || key[0] == ':' {
		return false
	}
	_, hop := hopMetadata[key]
	return !hop
}

// httpStatusFromGRPC maps a stream status onto the shared request
// metric's status label.
func httpStatusFromGRPC(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound, codes.Unimplemented:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
