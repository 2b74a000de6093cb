// Package rpcsrv is the request surface (RS): a gRPC server bound to a
// Unix domain socket per grpc.endpoints[] entry in the daemon's
// configuration, translating wire calls into internal/lifecycle
// operations. No .proto toolchain is available in this build, so the
// wire messages below are plain Go structs carried over a JSON codec
// registered with google.golang.org/grpc's encoding package — a
// supported, real extension point of the library, not a private
// workaround (see DESIGN.md).
package rpcsrv

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
