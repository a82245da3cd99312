package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeTypeAcceptsNameOrTag(t *testing.T) {
	byName, err := Unmarshal([]byte(`{"type":"PrivateMsg","from":"alice","to":"bob","payload":"{}"}`))
	if err != nil {
		t.Fatalf("decode by name: %v", err)
	}
	byTag, err := Unmarshal([]byte(`{"type":4,"from":"alice","to":"bob","payload":"{}"}`))
	if err != nil {
		t.Fatalf("decode by tag: %v", err)
	}
	if byName.Type != TypePrivateMsg || byTag.Type != TypePrivateMsg {
		t.Fatalf("expected PrivateMsg, got %s and %s", byName.Type, byTag.Type)
	}
}

func TestEnvelopeRejectsUnknownType(t *testing.T) {
	for _, raw := range []string{
		`{"type":"Shout","payload":"{}"}`,
		`{"type":42,"payload":"{}"}`,
	} {
		if _, err := Unmarshal([]byte(raw)); !errors.Is(err, ErrUnknownType) {
			t.Fatalf("expected ErrUnknownType for %s, got %v", raw, err)
		}
	}
}

func TestEnvelopeNullableFields(t *testing.T) {
	env, err := Unmarshal([]byte(`{"type":"Ping","from":null,"to":null,"payload":"{}"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.From != "" || env.To != "" {
		t.Fatalf("expected empty identities, got %+v", env)
	}
}

func TestEnvelopeCamelCaseOnTheWire(t *testing.T) {
	env, err := NewEnvelope(TypeFileChunk, "alice", "bob", FileChunkHeader{
		ID: "f1", Target: "bob", FileName: "a.txt", TotalBytes: 10, ChunkSize: 4,
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	raw, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"type":"FileChunk"`, `\"fileName\":\"a.txt\"`, `\"totalBytes\":10`, `\"chunkSize\":4`} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("expected %s in %s", want, raw)
		}
	}

	var hdr FileChunkHeader
	if err := env.DecodePayload(&hdr); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if hdr.FileName != "a.txt" || hdr.TotalBytes != 10 {
		t.Fatalf("unexpected header %+v", hdr)
	}
}

func TestRoutedEnvelopeCarriesEnvelopeVerbatim(t *testing.T) {
	env, _ := NewEnvelope(TypeGroupMsg, "alice", "team", GroupMessage{Group: "team", Text: "hi"})
	routed, err := NewRoutedEnvelope("node-a", "node-b", env, []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := routed.Envelope()
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got != env {
		t.Fatalf("expected %+v, got %+v", env, got)
	}
	if len(routed.Targets) != 2 {
		t.Fatalf("expected targets preserved, got %v", routed.Targets)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := Envelope{Type: TypeAuth}
	var req AuthRequest
	if err := env.DecodePayload(&req); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
