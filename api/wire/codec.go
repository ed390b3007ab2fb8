// Package wire defines the switchyard RPC surface: message types, a JSON
// codec, and hand-maintained gRPC service descriptors for the Coordinator
// and Handler services, plus typed clients.
//
// The wire format is JSON framed by gRPC. Messages are plain Go structs and
// the service descriptors are written out by hand instead of generated,
// which keeps the surface a single reviewable package with no codegen step.
// gRPC supports this directly: a codec forced on both ends replaces the
// default protobuf marshalling.
package wire

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the JSON codec.
const CodecName = "json"

// Codec marshals wire messages as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

// ServerOption forces the JSON codec for every method on a server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

// CallOption forces the JSON codec for every call on a client connection.
func CallOption() grpc.CallOption {
	return grpc.ForceCodec(Codec{})
}
