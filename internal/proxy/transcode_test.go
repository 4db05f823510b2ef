package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

type rpcHandler func(in *dynamicpb.Message, md metadata.MD) (*dynamicpb.Message, error)

var (
	userDescOnce sync.Once
	userInDesc   protoreflect.MessageDescriptor
	userOutDesc  protoreflect.MessageDescriptor
	userDescErr  error
)

// getUserDescriptors resolves the request and response descriptors of
// users.v1.UserService/GetUser from the test schema. The descriptors
// are built once and shared: a dynamicpb message only accepts field
// descriptors from the descriptor set it was created from, so the
// upstream and its handlers must agree on one set.
func getUserDescriptors(t *testing.T) (in, out protoreflect.MessageDescriptor) {
	t.Helper()

	userDescOnce.Do(func() {
		files, err := protodesc.NewFiles(userServiceDescriptorSet())
		if err != nil {
			userDescErr = err
			return
		}

		desc, err := files.FindDescriptorByName("users.v1.UserService")
		if err != nil {
			userDescErr = err
			return
		}
		method := desc.(protoreflect.ServiceDescriptor).Methods().ByName("GetUser")

		userInDesc = method.Input()
		userOutDesc = method.Output()
	})

	require.NoError(t, userDescErr)
	require.NotNil(t, userInDesc)

	return userInDesc, userOutDesc
}

// rpcUpstream is a real gRPC server answering GetUser through an
// unknown-service handler, so no generated stubs are needed.
type rpcUpstream struct {
	addr  string
	calls atomic.Int64
}

func startRPCUpstream(t *testing.T, handler rpcHandler) *rpcUpstream {
	t.Helper()

	inDesc, _ := getUserDescriptors(t)
	up := &rpcUpstream{}

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		up.calls.Add(1)

		in := dynamicpb.NewMessage(inDesc)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}

		md, _ := metadata.FromIncomingContext(stream.Context())
		out, err := handler(in, md)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	up.addr = lis.Addr().String()

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	return up
}

// echoUserHandler answers with the request's user id and a fixed
// display name.
func echoUserHandler(t *testing.T, displayName string) rpcHandler {
	inDesc, outDesc := getUserDescriptors(t)

	return func(in *dynamicpb.Message, _ metadata.MD) (*dynamicpb.Message, error) {
		id := in.Get(inDesc.Fields().ByName("user_id")).String()

		out := dynamicpb.NewMessage(outDesc)
		out.Set(outDesc.Fields().ByName("user_id"), protoreflect.ValueOfString(id))
		out.Set(outDesc.Fields().ByName("display_name"), protoreflect.ValueOfString(displayName))
		return out, nil
	}
}

func transcodeRoute(t *testing.T, required ...string) *config.Route {
	t.Helper()

	return &config.Route{
		Name:      "users-rpc",
		Service:   "users",
		Protocol:  config.RouteProtocolTranscode,
		Transcode: getUserTranscode(t, required...),
	}
}

func TestProxy_ForwardRPC_Success(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, echoUserHandler(t, "Morgan"))

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"userId":"42"}`))
	resp, err := p.Forward(context.Background(), transcodeRoute(t, "user_id"), inst, r, "/api/users")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"42","displayName":"Morgan"}`, string(body))
}

func TestProxy_ForwardRPC_SchemaRejectionSkipsUpstream(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, func(_ *dynamicpb.Message, _ metadata.MD) (*dynamicpb.Message, error) {
		return nil, status.Error(codes.Internal, "must never be reached")
	})

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)
	route := transcodeRoute(t, "user_id")

	tests := []struct {
		name string
		body string
	}{
		{"missing required field", `{"verbose":true}`},
		{"malformed json", `{"userId":`},
		{"wrong field type", `{"userId":[1,2]}`},
		{"oversized body", `{"userId":"` + strings.Repeat("a", maxTranscodeBody) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(tt.body))
			_, err := p.Forward(context.Background(), route, inst, r, "/api/users")
			require.Error(t, err)

			assert.ErrorIs(t, err, util.ErrTranscode)
			assert.True(t, util.IsClientError(err))
			assert.False(t, util.IsRetryable(err), "schema rejections must not be retried")
		})
	}

	assert.Zero(t, up.calls.Load(), "schema rejections must never contact the upstream")
}

func TestProxy_ForwardRPC_UnknownFieldsAreDiscarded(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, echoUserHandler(t, "Sam"))

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"userId":"7","notInSchema":"x"}`))
	resp, err := p.Forward(context.Background(), transcodeRoute(t, "user_id"), inst, r, "/api/users")
	require.NoError(t, err)
	resp.Body.Close()
}

func TestProxy_ForwardRPC_EmptyBodyForParameterlessCall(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, echoUserHandler(t, "Nobody"))

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	r := httptest.NewRequest(http.MethodPost, "/api/users", nil)
	resp, err := p.Forward(context.Background(), transcodeRoute(t), inst, r, "/api/users")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_ForwardRPC_UpstreamFailureIsCounted(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, func(_ *dynamicpb.Message, _ metadata.MD) (*dynamicpb.Message, error) {
		return nil, status.Error(codes.Internal, "database down")
	})

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"userId":"42"}`))
	_, err := p.Forward(context.Background(), transcodeRoute(t), inst, r, "/api/users")
	require.Error(t, err)

	assert.ErrorIs(t, err, util.ErrUpstreamUnavail)
	assert.True(t, util.IsRetryable(err))
	assert.True(t, util.IsServerError(err))
	assert.EqualValues(t, 1, up.calls.Load())
}

func TestProxy_ForwardRPC_DeadlineBecomesTimeout(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, func(in *dynamicpb.Message, _ metadata.MD) (*dynamicpb.Message, error) {
		time.Sleep(2 * time.Second)
		return in, nil
	})

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"userId":"42"}`))
	_, err := p.Forward(ctx, transcodeRoute(t), inst, r, "/api/users")
	require.Error(t, err)

	assert.ErrorIs(t, err, util.ErrTimeout)
	assert.True(t, util.IsRetryable(err))
}

func TestProxy_ForwardRPC_ClientCancelIsNotCharged(t *testing.T) {
	t.Parallel()

	up := startRPCUpstream(t, func(in *dynamicpb.Message, _ metadata.MD) (*dynamicpb.Message, error) {
		time.Sleep(2 * time.Second)
		return in, nil
	})

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"userId":"42"}`))
	_, err := p.Forward(ctx, transcodeRoute(t), inst, r, "/api/users")
	require.Error(t, err)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, util.IsRetryable(err), "a client disconnect must not be retried")
	assert.NotErrorIs(t, err, util.ErrUpstreamUnavail)
}

func TestProxy_ForwardRPC_PropagatesRequestID(t *testing.T) {
	t.Parallel()

	mdCh := make(chan metadata.MD, 1)
	echo := echoUserHandler(t, "Capture")
	up := startRPCUpstream(t, func(in *dynamicpb.Message, md metadata.MD) (*dynamicpb.Message, error) {
		select {
		case mdCh <- md:
		default:
		}
		return echo(in, md)
	})

	p := newTestProxy(t)
	inst := registry.NewServiceInstance("rpc-1", up.addr, 1)

	ctx := observability.ContextWithRequestID(context.Background(), "req-9")
	r := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{"userId":"1"}`))
	resp, err := p.Forward(ctx, transcodeRoute(t), inst, r, "/api/users")
	require.NoError(t, err)
	resp.Body.Close()

	md := <-mdCh
	assert.Equal(t, []string{"req-9"}, md.Get(requestIDMetadataKey))
}
