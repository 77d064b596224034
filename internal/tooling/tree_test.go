package tooling

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTreeEncodeDecodeOrder(t *testing.T) {
	tree := &Tree{Entries: []TreeEntry{
		{Kind: treeCmdFile, OID: NewObjectID([]byte("f")), Info: UnixInfo{Mode: 0o644}, Name: "zz-first"},
		{Kind: treeCmdSymlink, Info: UnixInfo{Mode: 0o777}, Name: "aa-second", Target: "zz-first"},
		{Kind: treeCmdSubtree, OID: NewObjectID([]byte("t")), Info: UnixInfo{Mode: 0o755}, Name: "mm-third"},
	}}

	var buf bytes.Buffer
	if err := tree.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeTree(&buf)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if len(got.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(got.Entries))
	}
	for i := range tree.Entries {
		if got.Entries[i] != tree.Entries[i] {
			t.Errorf("entry %d mismatch: got %+v, want %+v", i, got.Entries[i], tree.Entries[i])
		}
	}
}

func TestTreeNameSafety(t *testing.T) {
	for _, name := range []string{"..", ".", "a/b", "nul\x00byte"} {
		tree := &Tree{Entries: []TreeEntry{
			{Kind: treeCmdFile, OID: NewObjectID([]byte("f")), Info: UnixInfo{Mode: 0o644}, Name: name},
		}}
		var buf bytes.Buffer
		if err := tree.Encode(&buf); err != nil {
			t.Fatalf("Encode(%q): %v", name, err)
		}
		if _, err := DecodeTree(&buf); !errors.Is(err, ErrIndexEscape) {
			t.Errorf("name %q: got %v, want ErrIndexEscape", name, err)
		}
	}
}

func TestTreeBadVersion(t *testing.T) {
	raw := append([]byte("ALTR"), 9)
	if _, err := DecodeTree(bytes.NewReader(raw)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("bad version: got %v, want ErrCorrupt", err)
	}
}

func TestTreeIndexAndMaterialize(t *testing.T) {
	db := newTestDB(t)
	src := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "readme"), []byte("top file"), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(src, "bin")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("busybox", filepath.Join(sub, "sh")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("busybox", filepath.Join(sub, "ash")); err != nil {
		t.Fatal(err)
	}

	rootOID, err := IndexTree(src, db, CompressionNone)
	if err != nil {
		t.Fatalf("IndexTree: %v", err)
	}

	root, err := LoadTree(db, rootOID)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	if len(root.Entries) != 2 {
		t.Fatalf("got %d root entries, want 2", len(root.Entries))
	}

	// the subtree is independently addressable
	subEntry := root.Entry("bin")
	if subEntry == nil || subEntry.Kind != treeCmdSubtree {
		t.Fatalf("bin not recorded as subtree: %+v", subEntry)
	}
	subTree, err := LoadTree(db, subEntry.OID)
	if err != nil {
		t.Fatalf("loading subtree by its id: %v", err)
	}
	if len(subTree.Entries) != 2 {
		t.Errorf("got %d subtree entries, want 2", len(subTree.Entries))
	}

	dest := t.TempDir()
	if err := root.Materialize(dest, db); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "readme"))
	if err != nil || string(data) != "top file" {
		t.Errorf("readme wrong after materialize: %q, %v", data, err)
	}
	for _, link := range []string{"sh", "ash"} {
		target, err := os.Readlink(filepath.Join(dest, "bin", link))
		if err != nil || target != "busybox" {
			t.Errorf("symlink %s: %q, %v", link, target, err)
		}
	}
}

func TestTreeDependencies(t *testing.T) {
	fileOID := NewObjectID([]byte("f"))
	subOID := NewObjectID([]byte("s"))
	tree := &Tree{Entries: []TreeEntry{
		{Kind: treeCmdFile, OID: fileOID, Name: "file"},
		{Kind: treeCmdSymlink, Name: "link", Target: "file"},
		{Kind: treeCmdSubtree, OID: subOID, Name: "dir"},
	}}

	deps := tree.Dependencies()
	if len(deps) != 2 {
		t.Fatalf("got %d dependencies, want 2 (symlinks carry none)", len(deps))
	}
	if deps[0].OID != fileOID || deps[0].Path != "file" {
		t.Errorf("file dependency wrong: %+v", deps[0])
	}
	if deps[1].OID != subOID || deps[1].Path != "dir" {
		t.Errorf("subtree dependency wrong: %+v", deps[1])
	}
}

func TestTreeUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ALTR")
	buf.WriteByte(0)
	buf.WriteByte(0x99)
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	if _, err := DecodeTree(&buf); !errors.Is(err, ErrCorrupt) {
		t.Errorf("unknown command: got %v, want ErrCorrupt", err)
	}
}
