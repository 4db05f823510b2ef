package proxy

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/vyrodovalexey/avdispatch/internal/observability"
)

const (
	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

// ConnPool shares gRPC client connections per upstream address. A
// connection multiplexes all transcoded calls to one instance.
type ConnPool struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	logger   observability.Logger
}

// ConnPoolOption configures the connection pool.
type ConnPoolOption func(*ConnPool)

// WithConnPoolLogger sets the logger.
func WithConnPoolLogger(logger observability.Logger) ConnPoolOption {
	return func(p *ConnPool) {
		p.logger = logger
	}
}

// WithDialOptions replaces the default dial options.
func WithDialOptions(opts ...grpc.DialOption) ConnPoolOption {
	return func(p *ConnPool) {
		p.dialOpts = opts
	}
}

// NewConnPool creates an empty pool.
func NewConnPool(opts ...ConnPoolOption) *ConnPool {
	p := &ConnPool{
		conns:  make(map[string]*grpc.ClientConn),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if len(p.dialOpts) == 0 {
		p.dialOpts = defaultDialOptions()
	}

	return p
}

func defaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
}

// Get returns the connection for target, creating one if necessary.
// Connections are created lazily and never block: gRPC connects in the
// background and the first call waits per its own deadline.
func (p *ConnPool) Get(target string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, ok := p.conns[target]
	p.mu.RUnlock()

	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok = p.conns[target]; ok {
		if conn.GetState() != connectivity.Shutdown {
			return conn, nil
		}
		delete(p.conns, target)
	}

	conn, err := grpc.NewClient(target, p.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", target, err)
	}

	p.conns[target] = conn
	p.logger.Debug("created grpc connection",
		observability.String("target", target),
	)

	return conn, nil
}

// CloseConn closes and forgets the connection for target, if any.
func (p *ConnPool) CloseConn(target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[target]
	if !ok {
		return nil
	}

	delete(p.conns, target)
	return conn.Close()
}

// Close closes every pooled connection.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for target, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Error("close grpc connection",
				observability.String("target", target),
				observability.Error(err),
			)
			lastErr = err
		}
	}

	p.conns = make(map[string]*grpc.ClientConn)
	return lastErr
}

// Size returns the number of pooled connections.
func (p *ConnPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}
