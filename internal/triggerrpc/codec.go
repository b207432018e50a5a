package triggerrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype, sent as application/grpc+framesync.
const codecName = "framesync"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

type wireCodec struct{}

func (wireCodec) Name() string { return codecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("framesync codec: cannot marshal %T", v)
	}
	return m.marshalWire(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("framesync codec: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}
