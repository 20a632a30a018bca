package codec

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// ProtoSerializer behaves like JSONSerializer but serializes payloads that
// implement proto.Message with protojson, so DTOs generated from .proto
// schemas keep their canonical JSON mapping on the wire. The trace envelope
// itself stays plain JSON.
type ProtoSerializer struct{}

// NewProtoSerializer returns a serializer with protojson payload support.
func NewProtoSerializer() ProtoSerializer { return ProtoSerializer{} }

func (ProtoSerializer) Encode(v any) (trace.TypedBlob, error) {
	if msg, ok := v.(proto.Message); ok {
		body, err := protoJSONMarshalOptions.Marshal(msg)
		if err != nil {
			return trace.TypedBlob{}, &errspkg.SerializationError{Op: "encode", Type: typeName(v), Err: err}
		}
		return trace.TypedBlob{Type: typeName(v), Body: body}, nil
	}
	return encodeJSON(v)
}

func (ProtoSerializer) Decode(blob trace.TypedBlob, into any) error {
	if blob.IsZero() {
		return nil
	}
	if msg, ok := into.(proto.Message); ok {
		if err := protojson.Unmarshal(blob.Body, msg); err != nil {
			return &errspkg.SerializationError{Op: "decode", Type: blob.Type, Err: err}
		}
		return nil
	}
	return decodeJSON(blob, into)
}

func (ProtoSerializer) EncodeTrace(t *trace.Trace) ([]byte, error) {
	return JSONSerializer{}.EncodeTrace(t)
}

func (ProtoSerializer) DecodeTrace(data []byte) (*trace.Trace, error) {
	return decodeTrace(data)
}
