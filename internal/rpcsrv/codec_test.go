package rpcsrv

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRegisteredUnderName(t *testing.T) {
	c := encoding.GetCodec(codecName)
	require.NotNil(t, c)
	require.Equal(t, codecName, c.Name())
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := encoding.GetCodec(codecName)
	require.NotNil(t, c)

	in := &PullImageRequest{ImageRef: "example.com/repo:tag", PullPolicy: "always"}
	b, err := c.Marshal(in)
	require.NoError(t, err)

	var out PullImageRequest
	require.NoError(t, c.Unmarshal(b, &out))
	require.Equal(t, *in, out)
}
