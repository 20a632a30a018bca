package codec

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

type dataTO struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

func TestJSONSerializerRoundTrip(t *testing.T) {
	s := NewJSONSerializer()

	blob, err := s.Encode(dataTO{Number: 42, Text: "TheAnswer"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if blob.Type != "codec.dataTO" {
		t.Fatalf("unexpected declared type: %q", blob.Type)
	}

	var decoded dataTO
	if err := s.Decode(blob, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Number != 42 || decoded.Text != "TheAnswer" {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}

func TestEncodeNilIsZeroBlob(t *testing.T) {
	s := NewJSONSerializer()
	blob, err := s.Encode(nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !blob.IsZero() {
		t.Fatalf("nil must encode to the zero blob, got %+v", blob)
	}
}

func TestDecodeZeroBlobLeavesTargetUntouched(t *testing.T) {
	s := NewJSONSerializer()
	decoded := dataTO{Number: 7}
	if err := s.Decode(trace.TypedBlob{}, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Number != 7 {
		t.Fatalf("zero blob must leave the target untouched, got %+v", decoded)
	}
}

func TestDecodeErrorKind(t *testing.T) {
	s := NewJSONSerializer()
	var decoded dataTO
	err := s.Decode(trace.TypedBlob{Type: "codec.dataTO", Body: []byte(`{invalid`)}, &decoded)
	var serErr *errspkg.SerializationError
	if !errors.As(err, &serErr) {
		t.Fatalf("expected SerializationError, got %v", err)
	}
	if serErr.Op != "decode" {
		t.Fatalf("unexpected op: %q", serErr.Op)
	}
}

func TestTraceRoundTrip(t *testing.T) {
	s := NewJSONSerializer()

	tr := trace.NewRequest("tid", "init", "svc", trace.TypedBlob{Type: "D", Body: []byte(`{"n":1}`)},
		"terminator", trace.TypedBlob{Type: "S", Body: []byte(`{"s":2}`)})
	tr = tr.SetProperty("user", trace.TypedBlob{Type: "string", Body: []byte(`"alice"`)})
	tr = tr.AddBinary("raw", []byte{0xde, 0xad})
	tr = tr.AddString("note", "hi")

	data, err := s.EncodeTrace(tr)
	if err != nil {
		t.Fatalf("encodeTrace failed: %v", err)
	}
	decoded, err := s.DecodeTrace(data)
	if err != nil {
		t.Fatalf("decodeTrace failed: %v", err)
	}

	if decoded.TraceID != "tid" {
		t.Fatalf("trace id lost: %q", decoded.TraceID)
	}
	if decoded.CurrentCall().To != "svc" || decoded.CurrentCall().Type != trace.CallRequest {
		t.Fatalf("call lost: %+v", decoded.CurrentCall())
	}
	frame, ok := decoded.CurrentFrame()
	if !ok || frame.ReplyTo != "terminator" {
		t.Fatalf("frame lost: %+v", frame)
	}
	if got, _ := decoded.Property("user"); string(got.Body) != `"alice"` {
		t.Fatalf("property lost: %s", got.Body)
	}
	if len(decoded.Binary("raw")) != 2 || decoded.SidebandString("note") != "hi" {
		t.Fatal("sideband lost on the wire")
	}
}

func TestDecodeTraceError(t *testing.T) {
	s := NewJSONSerializer()
	_, err := s.DecodeTrace([]byte("not json"))
	var serErr *errspkg.SerializationError
	if !errors.As(err, &serErr) {
		t.Fatalf("expected SerializationError, got %v", err)
	}
	if serErr.Op != "decodeTrace" {
		t.Fatalf("unexpected op: %q", serErr.Op)
	}
}

func TestProtoSerializerUsesProtoJSON(t *testing.T) {
	s := NewProtoSerializer()

	blob, err := s.Encode(wrapperspb.String("hello"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded := &wrapperspb.StringValue{}
	if err := s.Decode(blob, decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.GetValue() != "hello" {
		t.Fatalf("unexpected round trip: %q", decoded.GetValue())
	}
}

func TestProtoSerializerFallsBackToJSON(t *testing.T) {
	s := NewProtoSerializer()

	blob, err := s.Encode(dataTO{Number: 1, Text: "x"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded dataTO
	if err := s.Decode(blob, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != (dataTO{Number: 1, Text: "x"}) {
		t.Fatalf("unexpected round trip: %+v", decoded)
	}
}
