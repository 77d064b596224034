package tooling

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
)

func TestObjectRoundTripNone(t *testing.T) {
	payload := []byte("hello object store")
	obj, err := NewObject(ClassAcacia, TypeUnknown, CompressionNone, nil, payload)
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}

	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeObject(&buf)
	if err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}

	gotPayload, err := got.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload round-trip mismatch: got %q, want %q", gotPayload, payload)
	}
	if got.OID != ObjectID(sha256.Sum256(payload)) {
		t.Errorf("object id is not the payload SHA-256")
	}
}

func TestObjectRoundTripXz(t *testing.T) {
	payload := bytes.Repeat([]byte("hello world\n"), 100)
	obj, err := NewObject(ClassAcacia, TypePackage, CompressionXz, nil, payload)
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	if len(obj.StoredPayload()) >= len(payload) {
		t.Errorf("xz stored payload not smaller: %d >= %d", len(obj.StoredPayload()), len(payload))
	}

	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeObject(&buf)
	if err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}
	gotPayload, err := got.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Error("xz payload round-trip mismatch")
	}
	if got.OID != NewObjectID(payload) {
		t.Error("compression changed the object id")
	}
}

func TestObjectDependenciesRoundTrip(t *testing.T) {
	dep1 := ObjectDependency{OID: NewObjectID([]byte("a")), Path: "lib/liba.so"}
	dep2 := ObjectDependency{OID: NewObjectID([]byte("b")), Path: ""}

	obj, err := NewObject(ClassAcacia, TypePackage, CompressionNone,
		[]ObjectDependency{dep1, dep2}, []byte("payload"))
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeObject(&buf)
	if err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}
	if len(got.Dependencies) != 2 {
		t.Fatalf("got %d dependencies, want 2", len(got.Dependencies))
	}
	if got.Dependencies[0] != dep1 || got.Dependencies[1] != dep2 {
		t.Errorf("dependency round-trip mismatch: %+v", got.Dependencies)
	}
}

func TestObjectEmptyPayload(t *testing.T) {
	obj, err := NewObject(ClassUnknown, TypeUnknown, CompressionNone, nil, nil)
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeObject(&buf)
	if err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}
	payload, err := got.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("got %d payload bytes, want 0", len(payload))
	}
}

func TestObjectUnknownClassPreserved(t *testing.T) {
	obj, err := NewObject(ObjectClass(0x7f), ObjectType(0x99), CompressionNone, nil, []byte("x"))
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeObject(&buf)
	if err != nil {
		t.Fatalf("decoding unknown class must not fail: %v", err)
	}
	if got.Class != ObjectClass(0x7f) || got.Type != ObjectType(0x99) {
		t.Errorf("unknown class/type not preserved: %04x:%04x", got.Class, got.Type)
	}
}

func TestObjectUnsupportedVersion(t *testing.T) {
	obj, err := NewObject(ClassAcacia, TypeUnknown, CompressionNone, nil, []byte("x"))
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()
	raw[4] = 0x42 // version byte

	if _, err := DecodeObject(bytes.NewReader(raw)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("unsupported version: got %v, want ErrCorrupt", err)
	}
}

func TestObjectHashMismatch(t *testing.T) {
	obj, err := NewObject(ClassAcacia, TypeUnknown, CompressionNone, nil, []byte("payload bytes"))
	if err != nil {
		t.Fatalf("NewObject: %v", err)
	}
	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff // corrupt the payload

	if _, err := DecodeObject(bytes.NewReader(raw)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("corrupted payload: got %v, want ErrCorrupt", err)
	}
}

func TestObjectBadMagic(t *testing.T) {
	if _, err := DecodeObject(bytes.NewReader([]byte("NOPE\x00"))); !errors.Is(err, ErrCorrupt) {
		t.Errorf("bad magic: got %v, want ErrCorrupt", err)
	}
}
