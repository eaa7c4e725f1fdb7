package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/sushant-115/gojotxn/core/message"
)

// codecName is the gRPC content subtype carrying protocol messages in their
// own wire format.
const codecName = "gojotxn-wire"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// Receipt is the empty reply to a delivered message.
type Receipt struct{}

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case *message.Message:
		return message.Marshal(v), nil
	case *Receipt:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s codec cannot marshal %T", codecName, v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch v := v.(type) {
	case *message.Message:
		return message.Unmarshal(data, v)
	case *Receipt:
		return nil
	default:
		return fmt.Errorf("%s codec cannot unmarshal into %T", codecName, v)
	}
}

func (wireCodec) Name() string { return codecName }
