package tooling

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

// Object file wire format, version 0, little-endian:
//
//	magic "AOBJ", 1 version byte
//	32  object id
//	2   class
//	2   type
//	2   compression
//	4   dependency count d
//	8   stored payload length b
//	d * (32 object id, 2 path length p, p path bytes)
//	b   payload (compressed when compression != 0)
//
// The object id is the SHA-256 of the uncompressed payload; the stored
// length records the on-disk (possibly compressed) byte count.

var objectMagic = [4]byte{'A', 'O', 'B', 'J'}

// ObjectVersion is the object container version this codec emits.
const ObjectVersion uint8 = 0

// ObjectClass tags the namespace of an object's type.
type ObjectClass uint16

// ObjectType tags the content of an object within its class.
type ObjectType uint16

// ObjectCompression selects the on-disk payload compression. It never
// influences object identity.
type ObjectCompression uint16

const (
	ClassUnknown ObjectClass = 0x00
	ClassAcacia  ObjectClass = 0x01
)

const (
	TypeUnknown     ObjectType = 0x00
	TypePackageList ObjectType = 0x10
	TypeFormula     ObjectType = 0x20
	TypePackage     ObjectType = 0x30
	TypeIndex       ObjectType = 0x40
)

const (
	CompressionNone ObjectCompression = 0
	CompressionXz   ObjectCompression = 1
)

func (c ObjectCompression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionXz:
		return "xz"
	default:
		return fmt.Sprintf("unknown(%02x)", uint16(c))
	}
}

// ParseCompression maps a user-facing compression name.
func ParseCompression(s string) (ObjectCompression, error) {
	switch s {
	case "none":
		return CompressionNone, nil
	case "xz":
		return CompressionXz, nil
	default:
		return 0, fmt.Errorf("unknown compression %q: %w", s, ErrInvalidInput)
	}
}

// ObjectDependency links an object to a companion object and records
// where a consumer should place it relative to its own root. Paths are
// compared byte-wise, no normalization.
type ObjectDependency struct {
	OID  ObjectID
	Path string
}

// Object is a typed, content-addressed blob. Unknown class, type and
// compression values survive a decode/encode round trip untouched.
type Object struct {
	OID          ObjectID
	Class        ObjectClass
	Type         ObjectType
	Compression  ObjectCompression
	Dependencies []ObjectDependency

	// stored is the on-disk payload, compressed when Compression != none.
	stored []byte
	// payload is the verified uncompressed payload. nil when the
	// compression is unknown and the data could not be unpacked.
	payload []byte
}

// Payload returns the uncompressed, hash-verified payload.
func (o *Object) Payload() ([]byte, error) {
	if o.payload == nil {
		return nil, fmt.Errorf("object %s: payload with unknown compression %s cannot be unpacked: %w",
			o.OID, o.Compression, ErrCorrupt)
	}
	return o.payload, nil
}

// StoredPayload returns the payload bytes exactly as stored on disk.
func (o *Object) StoredPayload() []byte {
	return o.stored
}

// NewObject builds an object from a raw payload, compressing it for
// storage as requested.
func NewObject(class ObjectClass, typ ObjectType, comp ObjectCompression, deps []ObjectDependency, payload []byte) (*Object, error) {
	if payload == nil {
		// nil is reserved for a payload that could not be unpacked
		payload = []byte{}
	}
	stored, err := compressPayload(payload, comp)
	if err != nil {
		return nil, err
	}
	return &Object{
		OID:          NewObjectID(payload),
		Class:        class,
		Type:         typ,
		Compression:  comp,
		Dependencies: deps,
		stored:       stored,
		payload:      payload,
	}, nil
}

func compressPayload(payload []byte, comp ObjectCompression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return payload, nil
	case CompressionXz:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("creating xz writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("finishing xz stream: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("cannot compress with unknown compression %s: %w", comp, ErrInvalidInput)
	}
}

func decompressPayload(stored []byte, comp ObjectCompression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return stored, nil
	case CompressionXz:
		r, err := xz.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("opening xz stream: %w: %v", ErrCorrupt, err)
		}
		payload, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w: %v", ErrCorrupt, err)
		}
		return payload, nil
	default:
		// Preserved, not refused. The caller sees the stored bytes.
		return nil, nil
	}
}

// Encode writes the object container to w.
func (o *Object) Encode(w io.Writer) error {
	if _, err := w.Write(objectMagic[:]); err != nil {
		return fmt.Errorf("writing object magic: %w", err)
	}
	if _, err := w.Write([]byte{ObjectVersion}); err != nil {
		return fmt.Errorf("writing object version: %w", err)
	}
	if _, err := w.Write(o.OID[:]); err != nil {
		return fmt.Errorf("writing object id: %w", err)
	}

	var hdr [18]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(o.Class))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(o.Type))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(o.Compression))
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(len(o.Dependencies)))
	binary.LittleEndian.PutUint64(hdr[10:18], uint64(len(o.stored)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing object header: %w", err)
	}

	for _, dep := range o.Dependencies {
		if _, err := w.Write(dep.OID[:]); err != nil {
			return fmt.Errorf("writing dependency id: %w", err)
		}
		var plen [2]byte
		binary.LittleEndian.PutUint16(plen[:], uint16(len(dep.Path)))
		if _, err := w.Write(plen[:]); err != nil {
			return fmt.Errorf("writing dependency path length: %w", err)
		}
		if _, err := io.WriteString(w, dep.Path); err != nil {
			return fmt.Errorf("writing dependency path: %w", err)
		}
	}

	if _, err := w.Write(o.stored); err != nil {
		return fmt.Errorf("writing object payload: %w", err)
	}
	return nil
}

// DecodeObject reads an object container. Unknown class, type and
// compression values are preserved; an unknown version or a payload that
// does not re-hash to the stored object id is refused.
func DecodeObject(r io.Reader) (*Object, error) {
	obj, storedLen, err := decodeObjectMeta(r)
	if err != nil {
		return nil, err
	}

	obj.stored = make([]byte, storedLen)
	if _, err := io.ReadFull(r, obj.stored); err != nil {
		return nil, fmt.Errorf("reading object payload: %w: %v", ErrCorrupt, err)
	}

	payload, err := decompressPayload(obj.stored, obj.Compression)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		warnf("object %s carries unknown compression %s, payload left packed\n", obj.OID, obj.Compression)
		return obj, nil
	}
	if NewObjectID(payload) != obj.OID {
		return nil, fmt.Errorf("object %s: payload hash mismatch: %w", obj.OID, ErrCorrupt)
	}
	obj.payload = payload

	return obj, nil
}

// decodeObjectMeta reads everything up to the payload, leaving the
// reader positioned at the stored payload bytes. This is the cheap path
// for dependency enumeration.
func decodeObjectMeta(r io.Reader) (*Object, uint64, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, 0, fmt.Errorf("reading object magic: %w: %v", ErrCorrupt, err)
	}
	if magic != objectMagic {
		return nil, 0, fmt.Errorf("bad object magic %q: %w", magic[:], ErrCorrupt)
	}

	var ver [1]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return nil, 0, fmt.Errorf("reading object version: %w: %v", ErrCorrupt, err)
	}
	if ver[0] != ObjectVersion {
		return nil, 0, fmt.Errorf("unsupported object version %d: %w", ver[0], ErrCorrupt)
	}

	obj := &Object{}
	if _, err := io.ReadFull(r, obj.OID[:]); err != nil {
		return nil, 0, fmt.Errorf("reading object id: %w: %v", ErrCorrupt, err)
	}

	var hdr [18]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("reading object header: %w: %v", ErrCorrupt, err)
	}
	obj.Class = ObjectClass(binary.LittleEndian.Uint16(hdr[0:2]))
	obj.Type = ObjectType(binary.LittleEndian.Uint16(hdr[2:4]))
	obj.Compression = ObjectCompression(binary.LittleEndian.Uint16(hdr[4:6]))
	depCount := binary.LittleEndian.Uint32(hdr[6:10])
	storedLen := binary.LittleEndian.Uint64(hdr[10:18])

	for i := uint32(0); i < depCount; i++ {
		var dep ObjectDependency
		if _, err := io.ReadFull(r, dep.OID[:]); err != nil {
			return nil, 0, fmt.Errorf("reading dependency %d id: %w: %v", i, ErrCorrupt, err)
		}
		var plen [2]byte
		if _, err := io.ReadFull(r, plen[:]); err != nil {
			return nil, 0, fmt.Errorf("reading dependency %d path length: %w: %v", i, ErrCorrupt, err)
		}
		path := make([]byte, binary.LittleEndian.Uint16(plen[:]))
		if _, err := io.ReadFull(r, path); err != nil {
			return nil, 0, fmt.Errorf("reading dependency %d path: %w: %v", i, ErrCorrupt, err)
		}
		dep.Path = string(path)
		obj.Dependencies = append(obj.Dependencies, dep)
	}

	return obj, storedLen, nil
}
