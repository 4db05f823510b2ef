package gateway

import (
	"google.golang.org/protobuf/proto"
)

// codecName matches the default proto codec so upstream servers accept
// the relayed frames without content-subtype negotiation.
const codecName = "proto"

// frame carries one gRPC message as raw bytes so streams can be relayed
// without the message schema.
type frame struct {
	payload []byte
}

// rawCodec passes message bytes through untouched. It is installed on
// the passthrough listener with grpc.ForceServerCodec and on outbound
// streams with grpc.ForceCodec, never registered globally, so typed
// proto clients elsewhere in the process keep the standard codec.
type rawCodec struct{}

// Marshal returns frame payloads verbatim and falls back to proto
// marshaling for typed messages.
func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	if f, ok := v.(*frame); ok {
		return f.payload, nil
	}
	if msg, ok := v.(proto.Message); ok {
		return proto.Marshal(msg)
	}
	return nil, nil
}

// Unmarshal captures raw bytes into a frame and falls back to proto
// unmarshaling for typed messages.
func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	if f, ok := v.(*frame); ok {
		f.payload = data
		return nil
	}
	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}
	return nil
}

// Name returns the codec name.
func (rawCodec) Name() string {
	return codecName
}

// String returns the codec name.
func (rawCodec) String() string {
	return codecName
}
