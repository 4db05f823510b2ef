//go:build integration
// +build integration

package integration

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/vyrodovalexey/avdispatch/internal/config"
)

// writeUserDescriptorSet serializes a minimal users.v1.UserService
// schema the way protoc --descriptor_set_out would.
func writeUserDescriptorSet(t *testing.T) string {
	t.Helper()

	set := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:    proto.String("users/v1/users.proto"),
			Package: proto.String("users.v1"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("GetUserRequest"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:   proto.String("user_id"),
						Number: proto.Int32(1),
						Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
					}},
				},
				{
					Name: proto.String("User"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:   proto.String("user_id"),
						Number: proto.Int32(1),
						Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
					}},
				},
			},
			Service: []*descriptorpb.ServiceDescriptorProto{{
				Name: proto.String("UserService"),
				Method: []*descriptorpb.MethodDescriptorProto{{
					Name:       proto.String("GetUser"),
					InputType:  proto.String(".users.v1.GetUserRequest"),
					OutputType: proto.String(".users.v1.User"),
				}},
			}},
		}},
	}

	raw, err := proto.Marshal(set)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "users.pb")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

// startAcceptCounter listens on a local port and counts every
// connection made to it. The dispatch path under test must never
// produce one.
func startAcceptCounter(t *testing.T) (addr string, accepted *atomic.Int64) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted = &atomic.Int64{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()

	return ln.Addr().String(), accepted
}

func TestIntegration_TranscodeRejectsInvalidBodyBeforeUpstream(t *testing.T) {
	t.Parallel()

	upstream, accepted := startAcceptCounter(t)

	spec := config.GatewaySpec{
		Routes: []config.Route{{
			Name:     "get-user",
			Match:    []config.RouteMatch{{URI: &config.URIMatch{Exact: "/users/get"}, Methods: []string{http.MethodPost}}},
			Service:  "users-svc",
			Protocol: config.RouteProtocolTranscode,
			Transcode: &config.TranscodeConfig{
				Descriptor:     writeUserDescriptorSet(t),
				RPCService:     "users.v1.UserService",
				RPCMethod:      "GetUser",
				RequiredFields: []string{"user_id"},
			},
		}},
	}

	g := newDispatchGateway(t, spec, map[string][]string{
		"users-svc": {upstream},
	})

	edge := httptest.NewServer(g.Handler())
	defer edge.Close()

	cases := []struct {
		name string
		body string
	}{
		{name: "missing required field", body: `{}`},
		{name: "wrong field type", body: `{"user_id": 42}`},
		{name: "malformed json", body: `{"user_id":`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(edge.URL+"/users/get", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Zero(t, accepted.Load(), "rejected requests must never reach the upstream")
}
