// Package paymentrpc is the gRPC contract between the order-service and the
// payment processor: service descriptor, messages and a JSON codec.
//
// Messages are plain Go structs carried by the "json" content-subtype, so the
// contract needs no generated code:
//
//	client := paymentrpc.NewGatewayClient(conn)
//	resp, err := client.Charge(ctx, &paymentrpc.ChargeRequest{...})
package paymentrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype negotiated on the wire
// (application/grpc+json).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
