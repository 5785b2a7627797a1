// Package rpcjson registers a JSON grpc codec so hdbserver's service
// methods exchange plain Go structs instead of protoc-generated protobuf
// messages: this module carries no .proto/protoc build step, so the RPC
// surface is demonstrated through grpc's own codec extension point
// (google.golang.org/grpc/encoding) rather than hand-faked generated code.
package rpcjson

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Name is the grpc content-subtype this codec answers to: a client calling
// with grpc.CallContentSubtype(Name) and a server that imports this package
// (for its side-effecting init) negotiate automatically, the same way
// protobuf's own subtype negotiation works.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (codec) Name() string                       { return Name }
