package sandbox

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodec lets the sandbox bridge stream plain envelope bytes over gRPC
// without a generated proto.Message type: Marshal/Unmarshal are the
// identity on *[]byte. Registered once under name "raw" and selected per
// call via grpc.CallContentSubtype (§4.3, §9 REDESIGN FLAGS).
type rawCodec struct{}

const codecName = "raw"

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("sandbox: rawCodec.Marshal: unsupported type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("sandbox: rawCodec.Unmarshal: unsupported type %T", v)
	}
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() { encoding.RegisterCodec(rawCodec{}) }
