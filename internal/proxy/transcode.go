package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

// maxTranscodeBody bounds how much of a JSON body is buffered for
// conversion. Transcoded requests are decoded in full, unlike
// passthrough bodies which stream.
const maxTranscodeBody = 4 << 20

const requestIDMetadataKey = "x-request-id"

var (
	// transcodeUnmarshal tolerates unknown JSON fields so clients can
	// send supersets of the schema, but stays strict on field types.
	transcodeUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}
	transcodeMarshal   = protojson.MarshalOptions{}
)

// forwardRPC converts the JSON body into the route's RPC request
// message, invokes the method on inst, and converts the response back
// to JSON. Requests that fail schema validation are rejected before
// any connection to the instance is made.
func (p *Proxy) forwardRPC(ctx context.Context, route *config.Route, inst *registry.ServiceInstance, r *http.Request) (*Response, error) {
	tc := route.Transcode
	if tc == nil {
		return nil, util.NewConfigError("transcode", fmt.Sprintf("route %s has no transcode block", route.Name))
	}

	schema, err := p.schemas.MethodFor(tc)
	if err != nil {
		return nil, err
	}

	in := schema.NewInput()
	if err := decodeTranscodeBody(r, schema, in); err != nil {
		p.metrics.RecordTranscodeRejection(route.Service)
		return nil, err
	}
	if err := schema.ValidateRequired(in.ProtoReflect()); err != nil {
		p.metrics.RecordTranscodeRejection(route.Service)
		return nil, err
	}

	conn, err := p.pool.Get(inst.Address)
	if err != nil {
		return nil, util.NewUpstreamErrorWithCause(route.Service, inst.ID, "grpc connect", err)
	}

	if id := observability.RequestIDFromContext(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
	}

	out := schema.NewOutput()
	start := time.Now()
	err = conn.Invoke(ctx, schema.FullMethod, in, out)
	elapsed := time.Since(start)

	if err != nil {
		classified := classifyRPCError(route.Service, inst, err, elapsed)
		p.metrics.RecordForward(route.Service, protocolTranscode, outcomeLabel(classified), elapsed)
		p.logger.Debug("rpc attempt failed",
			observability.String("service", route.Service),
			observability.String("instance", inst.ID),
			observability.String("method", schema.FullMethod),
			observability.Error(err),
		)
		return nil, classified
	}

	payload, err := transcodeMarshal.Marshal(out)
	if err != nil {
		p.metrics.RecordForward(route.Service, protocolTranscode, outcomeError, elapsed)
		return nil, util.NewUpstreamErrorWithCause(route.Service, inst.ID, "encode rpc response", err)
	}

	p.metrics.RecordForward(route.Service, protocolTranscode, statusClass(http.StatusOK), elapsed)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(payload)),
	}, nil
}

// decodeTranscodeBody reads the JSON body into the request message. An
// empty body decodes to an empty message so parameterless methods work
// without a `{}` payload.
func decodeTranscodeBody(r *http.Request, schema *MethodSchema, in proto.Message) error {
	if r.Body == nil {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTranscodeBody+1))
	if err != nil {
		return util.NewTranscodeErrorWithCause(schema.FullMethod, "read request body", err)
	}
	if len(body) > maxTranscodeBody {
		return util.NewTranscodeError(schema.FullMethod, fmt.Sprintf("request body exceeds %d byte transcode limit", maxTranscodeBody))
	}
	if len(body) == 0 {
		return nil
	}

	if err := transcodeUnmarshal.Unmarshal(body, in); err != nil {
		return util.NewTranscodeErrorWithCause(schema.FullMethod, "decode request body", err)
	}
	return nil
}

// classifyRPCError maps an RPC failure onto the dispatch error
// taxonomy. Every post-validation failure is charged to the instance;
// only caller cancellation passes through uncharged.
func classifyRPCError(service string, inst *registry.ServiceInstance, err error, elapsed time.Duration) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	code := status.Code(err)
	// Invoke surfaces caller cancellation as a status error, not as
	// context.Canceled.
	if code == codes.Canceled {
		return context.Canceled
	}
	if code == codes.DeadlineExceeded {
		return &util.TimeoutError{
			Operation: "rpc to " + inst.Address,
			Duration:  elapsed,
			Cause:     err,
		}
	}
	return util.NewUpstreamErrorWithCause(service, inst.ID, "rpc "+code.String(), err)
}
