package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestRawCodec_FramePassthrough(t *testing.T) {
	t.Parallel()

	codec := rawCodec{}
	payload := []byte{0x0a, 0x03, 'f', 'o', 'o'}

	out, err := codec.Marshal(&frame{payload: payload})
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	f := &frame{}
	require.NoError(t, codec.Unmarshal(payload, f))
	assert.Equal(t, payload, f.payload)
}

func TestRawCodec_TypedMessageFallback(t *testing.T) {
	t.Parallel()

	codec := rawCodec{}
	msg := wrapperspb.String("hello")

	data, err := codec.Marshal(msg)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded := &wrapperspb.StringValue{}
	require.NoError(t, codec.Unmarshal(data, decoded))
	assert.Equal(t, "hello", decoded.GetValue())
}

func TestRawCodec_Name(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "proto", rawCodec{}.Name())
}
