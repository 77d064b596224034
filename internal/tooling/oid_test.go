package tooling

import (
	"errors"
	"strings"
	"testing"
)

func TestObjectIDHexRoundTrip(t *testing.T) {
	oid := NewObjectID([]byte("some payload"))
	parsed, err := ParseObjectID(oid.String())
	if err != nil {
		t.Fatalf("ParseObjectID: %v", err)
	}
	if parsed != oid {
		t.Errorf("hex round-trip mismatch: %s != %s", parsed, oid)
	}
	if oid.String() != strings.ToLower(oid.String()) {
		t.Error("hex form not lowercase")
	}
}

func TestParseObjectIDErrors(t *testing.T) {
	for _, s := range []string{"", "zz", "abcd", strings.Repeat("ab", 33)} {
		if _, err := ParseObjectID(s); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseObjectID(%q): got %v, want ErrInvalidInput", s, err)
		}
	}
}

func TestObjectIDPathSharding(t *testing.T) {
	oid := NewObjectID([]byte("shard me"))
	path := oid.Path()
	hex := oid.String()
	if path != hex[:2]+"/"+hex {
		t.Errorf("Path() = %q, want %q", path, hex[:2]+"/"+hex)
	}
}

func TestHashReader(t *testing.T) {
	payload := []byte("stream me")
	oid, err := HashReader(strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if oid != NewObjectID(payload) {
		t.Error("stream hash differs from byte hash")
	}
}
