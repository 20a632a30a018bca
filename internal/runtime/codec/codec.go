// Package codec implements the serializer contract of the stageflow wire
// format: encoding and decoding of user payloads into typed blobs, and of
// the whole trace envelope into bytes.
package codec

import (
	"fmt"

	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

var defaultConfig = sonic.ConfigStd

// Serializer encodes and decodes user payloads and traces. Two processes
// interoperate iff they share the trace schema and the serializer.
type Serializer interface {
	// Encode serializes a user value into a typed blob, recording the
	// declared type name. A nil value encodes to the zero blob.
	Encode(v any) (trace.TypedBlob, error)

	// Decode deserializes a blob into the supplied pointer. A zero blob
	// leaves the target untouched.
	Decode(blob trace.TypedBlob, into any) error

	// EncodeTrace serializes the whole envelope.
	EncodeTrace(t *trace.Trace) ([]byte, error)

	// DecodeTrace parses an envelope received from the broker.
	DecodeTrace(data []byte) (*trace.Trace, error)
}

// JSONSerializer is the default serializer: payloads and the envelope are
// JSON via sonic's stdlib-compatible configuration.
type JSONSerializer struct{}

// NewJSONSerializer returns the default JSON serializer.
func NewJSONSerializer() JSONSerializer { return JSONSerializer{} }

func (JSONSerializer) Encode(v any) (trace.TypedBlob, error) {
	return encodeJSON(v)
}

func (JSONSerializer) Decode(blob trace.TypedBlob, into any) error {
	return decodeJSON(blob, into)
}

func (JSONSerializer) EncodeTrace(t *trace.Trace) ([]byte, error) {
	data, err := defaultConfig.Marshal(t)
	if err != nil {
		return nil, &errspkg.SerializationError{Op: "encodeTrace", Type: "trace.Trace", Err: err}
	}
	return data, nil
}

func (JSONSerializer) DecodeTrace(data []byte) (*trace.Trace, error) {
	return decodeTrace(data)
}

func encodeJSON(v any) (trace.TypedBlob, error) {
	if v == nil {
		return trace.TypedBlob{}, nil
	}
	body, err := defaultConfig.Marshal(v)
	if err != nil {
		return trace.TypedBlob{}, &errspkg.SerializationError{Op: "encode", Type: typeName(v), Err: err}
	}
	return trace.TypedBlob{Type: typeName(v), Body: body}, nil
}

func decodeJSON(blob trace.TypedBlob, into any) error {
	if blob.IsZero() {
		return nil
	}
	if err := defaultConfig.Unmarshal(blob.Body, into); err != nil {
		return &errspkg.SerializationError{Op: "decode", Type: blob.Type, Err: err}
	}
	return nil
}

func decodeTrace(data []byte) (*trace.Trace, error) {
	var t trace.Trace
	if err := defaultConfig.Unmarshal(data, &t); err != nil {
		return nil, &errspkg.SerializationError{Op: "decodeTrace", Type: "trace.Trace", Err: err}
	}
	return &t, nil
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
