package sandbox

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// envelope multiplexes calls across the single bidirectional byte channel a
// multi-process sandbox's port uses (§4.3, §9 REDESIGN FLAGS: "tunnel
// through a serialised RPC on the port"). It is hand-encoded with protowire
// rather than a generated message type because the set of fields is small
// and fixed; avoiding a .proto/codegen step keeps the wire module
// self-contained.
type envelope struct {
	serviceID     uint64
	method        string
	payload       []byte
	isError       bool
	correlationID uint64
	isResponse    bool
}

const (
	fieldServiceID     protowire.Number = 1
	fieldMethod        protowire.Number = 2
	fieldPayload       protowire.Number = 3
	fieldIsError       protowire.Number = 4
	fieldCorrelationID protowire.Number = 5
	fieldIsResponse    protowire.Number = 6
)

func encodeEnvelope(e envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldServiceID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.serviceID)
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, e.method)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.payload)
	if e.isError {
		b = protowire.AppendTag(b, fieldIsError, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldCorrelationID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.correlationID)
	if e.isResponse {
		b = protowire.AppendTag(b, fieldIsResponse, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, errors.New("sandbox: malformed envelope tag")
		}
		b = b[n:]
		switch num {
		case fieldServiceID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed service_id")
			}
			e.serviceID = v
			b = b[n:]
		case fieldMethod:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed method")
			}
			e.method = v
			b = b[n:]
		case fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed payload")
			}
			e.payload = append([]byte(nil), v...)
			b = b[n:]
		case fieldIsError:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed is_error")
			}
			e.isError = v != 0
			b = b[n:]
		case fieldCorrelationID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed correlation_id")
			}
			e.correlationID = v
			b = b[n:]
		case fieldIsResponse:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed is_response")
			}
			e.isResponse = v != 0
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, errors.New("sandbox: malformed field")
			}
			b = b[n:]
		}
	}
	return e, nil
}
