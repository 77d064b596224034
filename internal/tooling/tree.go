package tooling

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Tree file wire format, version 0: magic "ALTR", 1 version byte, then
// one record per entry until end of stream. Trees never descend;
// subdirectories are separate tree objects referenced by id.

var treeMagic = [4]byte{'A', 'L', 'T', 'R'}

// TreeVersion is the tree file version this codec emits.
const TreeVersion uint8 = 0

const (
	treeCmdFile    uint8 = 0x01
	treeCmdSymlink uint8 = 0x02
	treeCmdSubtree uint8 = 0x05
)

// TreeEntry is one entry of a tree: a file, a symlink or a subtree.
// Exactly one of the interpretations applies per Kind.
type TreeEntry struct {
	Kind   uint8
	OID    ObjectID // file content or subtree, unused for symlinks
	Info   UnixInfo
	Name   string
	Target string // symlink destination
}

// Tree is an ordered list of entries with unique names.
type Tree struct {
	Entries []TreeEntry
}

// Entry returns the entry named name, if present.
func (t *Tree) Entry(name string) *TreeEntry {
	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i]
		}
	}
	return nil
}

// Dependencies returns the dependency links of this tree: one per file
// and subtree, keyed by entry name.
func (t *Tree) Dependencies() []ObjectDependency {
	var deps []ObjectDependency
	for _, e := range t.Entries {
		if e.Kind == treeCmdFile || e.Kind == treeCmdSubtree {
			deps = append(deps, ObjectDependency{OID: e.OID, Path: e.Name})
		}
	}
	return deps
}

// Encode writes the tree file. Entries are emitted in their stored
// order; IndexTree sorts by name before packing.
func (t *Tree) Encode(w io.Writer) error {
	if _, err := w.Write(treeMagic[:]); err != nil {
		return fmt.Errorf("writing tree magic: %w", err)
	}
	if _, err := w.Write([]byte{TreeVersion}); err != nil {
		return fmt.Errorf("writing tree version: %w", err)
	}

	for _, e := range t.Entries {
		if _, err := w.Write([]byte{e.Kind}); err != nil {
			return fmt.Errorf("writing tree command: %w", err)
		}
		switch e.Kind {
		case treeCmdFile, treeCmdSubtree:
			if _, err := w.Write(e.OID[:]); err != nil {
				return fmt.Errorf("writing entry %q id: %w", e.Name, err)
			}
			if err := writeInfoAndName(w, e.Info, e.Name); err != nil {
				return err
			}
		case treeCmdSymlink:
			var hdr [20]byte
			binary.LittleEndian.PutUint32(hdr[0:4], e.Info.UID)
			binary.LittleEndian.PutUint32(hdr[4:8], e.Info.GID)
			binary.LittleEndian.PutUint32(hdr[8:12], e.Info.Mode)
			binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(e.Name)))
			binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(e.Target)))
			if _, err := w.Write(hdr[:]); err != nil {
				return fmt.Errorf("writing symlink %q header: %w", e.Name, err)
			}
			if _, err := io.WriteString(w, e.Name); err != nil {
				return fmt.Errorf("writing symlink name: %w", err)
			}
			if _, err := io.WriteString(w, e.Target); err != nil {
				return fmt.Errorf("writing symlink target: %w", err)
			}
		default:
			return fmt.Errorf("unknown tree command %#02x: %w", e.Kind, ErrInvalidInput)
		}
	}
	return nil
}

func writeInfoAndName(w io.Writer, info UnixInfo, name string) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], info.UID)
	binary.LittleEndian.PutUint32(hdr[4:8], info.GID)
	binary.LittleEndian.PutUint32(hdr[8:12], info.Mode)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(name)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing entry header: %w", err)
	}
	if _, err := io.WriteString(w, name); err != nil {
		return fmt.Errorf("writing entry name: %w", err)
	}
	return nil
}

// DecodeTree parses a tree file. Iteration order equals file order.
// Names that could escape the root are refused.
func DecodeTree(r io.Reader) (*Tree, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading tree magic: %w: %v", ErrCorrupt, err)
	}
	if magic != treeMagic {
		return nil, fmt.Errorf("bad tree magic %q: %w", magic[:], ErrCorrupt)
	}
	var ver [1]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return nil, fmt.Errorf("reading tree version: %w: %v", ErrCorrupt, err)
	}
	if ver[0] != TreeVersion {
		return nil, fmt.Errorf("unsupported tree version %d: %w", ver[0], ErrCorrupt)
	}

	tree := &Tree{}
	for {
		var cmd [1]byte
		if _, err := io.ReadFull(r, cmd[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading tree command: %w: %v", ErrCorrupt, err)
		}

		var e TreeEntry
		e.Kind = cmd[0]
		switch e.Kind {
		case treeCmdFile, treeCmdSubtree:
			if _, err := io.ReadFull(r, e.OID[:]); err != nil {
				return nil, fmt.Errorf("reading entry id: %w: %v", ErrCorrupt, err)
			}
			var hdr [16]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return nil, fmt.Errorf("reading entry header: %w: %v", ErrCorrupt, err)
			}
			e.Info = UnixInfo{
				UID:  binary.LittleEndian.Uint32(hdr[0:4]),
				GID:  binary.LittleEndian.Uint32(hdr[4:8]),
				Mode: binary.LittleEndian.Uint32(hdr[8:12]),
			}
			name := make([]byte, binary.LittleEndian.Uint32(hdr[12:16]))
			if _, err := io.ReadFull(r, name); err != nil {
				return nil, fmt.Errorf("reading entry name: %w: %v", ErrCorrupt, err)
			}
			e.Name = string(name)
		case treeCmdSymlink:
			var hdr [20]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return nil, fmt.Errorf("reading symlink header: %w: %v", ErrCorrupt, err)
			}
			e.Info = UnixInfo{
				UID:  binary.LittleEndian.Uint32(hdr[0:4]),
				GID:  binary.LittleEndian.Uint32(hdr[4:8]),
				Mode: binary.LittleEndian.Uint32(hdr[8:12]),
			}
			name := make([]byte, binary.LittleEndian.Uint32(hdr[12:16]))
			target := make([]byte, binary.LittleEndian.Uint32(hdr[16:20]))
			if _, err := io.ReadFull(r, name); err != nil {
				return nil, fmt.Errorf("reading symlink name: %w: %v", ErrCorrupt, err)
			}
			if _, err := io.ReadFull(r, target); err != nil {
				return nil, fmt.Errorf("reading symlink target: %w: %v", ErrCorrupt, err)
			}
			e.Name = string(name)
			e.Target = string(target)
		default:
			return nil, fmt.Errorf("unknown tree command %#02x: %w", e.Kind, ErrCorrupt)
		}

		if err := validateEntryName(e.Name); err != nil {
			return nil, err
		}
		tree.Entries = append(tree.Entries, e)
	}
	return tree, nil
}

// IndexTree walks root recursively, ingesting every file and subtree
// into db, and returns the id of the resulting tree object. Entries are
// sorted by name so identical directories yield identical trees.
func IndexTree(root string, db *ObjectDB, comp ObjectCompression) (ObjectID, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ObjectID{}, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tree := &Tree{}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(root, name)
		info, err := os.Lstat(path)
		if err != nil {
			return ObjectID{}, fmt.Errorf("stat %s: %w", path, err)
		}
		ui := unixInfoOf(info)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return ObjectID{}, fmt.Errorf("reading link %s: %w", path, err)
			}
			tree.Entries = append(tree.Entries, TreeEntry{
				Kind: treeCmdSymlink, Info: ui, Name: name, Target: target,
			})
		case info.IsDir():
			sub, err := IndexTree(path, db, comp)
			if err != nil {
				return ObjectID{}, err
			}
			tree.Entries = append(tree.Entries, TreeEntry{
				Kind: treeCmdSubtree, OID: sub, Info: ui, Name: name,
			})
		default:
			// tiny files gain nothing from xz, store them raw
			effective := comp
			if comp == CompressionXz && info.Size() < 4096 {
				effective = CompressionNone
			}
			oid, err := db.Put(path, ClassAcacia, TypeUnknown, effective, nil, false)
			if err != nil {
				return ObjectID{}, err
			}
			tree.Entries = append(tree.Entries, TreeEntry{
				Kind: treeCmdFile, OID: oid, Info: ui, Name: name,
			})
		}
	}

	return tree.insert(db, comp)
}

// insert packs the tree and ingests it as a tree object whose
// dependency links reference the entries.
func (t *Tree) insert(db *ObjectDB, comp ObjectCompression) (ObjectID, error) {
	var buf bytes.Buffer
	if err := t.Encode(&buf); err != nil {
		return ObjectID{}, err
	}
	oid, err := db.PutBytes(buf.Bytes(), ClassAcacia, TypeIndex, comp, t.Dependencies(), false)
	if err != nil {
		return ObjectID{}, err
	}
	debugf("inserted tree with %d entries as %s\n", len(t.Entries), oid)
	return oid, nil
}

// LoadTree reads a tree object from the store and decodes it.
func LoadTree(db *ObjectDB, oid ObjectID) (*Tree, error) {
	payload, err := db.Get(oid)
	if err != nil {
		return nil, err
	}
	tree, err := DecodeTree(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", oid, err)
	}
	return tree, nil
}

// Materialize deploys a tree into root: files come out of the store,
// symlinks are created as recorded, subtrees recurse into their own
// directories.
func (t *Tree) Materialize(root string, db *ObjectDB) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}

	for _, e := range t.Entries {
		path := filepath.Join(root, e.Name)
		switch e.Kind {
		case treeCmdFile:
			payload, err := db.Get(e.OID)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, payload, os.FileMode(e.Info.Mode)); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			if err := e.Info.apply(path); err != nil {
				return err
			}
		case treeCmdSymlink:
			if err := os.Symlink(e.Target, path); err != nil {
				return fmt.Errorf("creating symlink %s: %w", path, err)
			}
		case treeCmdSubtree:
			sub, err := LoadTree(db, e.OID)
			if err != nil {
				return err
			}
			if err := sub.Materialize(path, db); err != nil {
				return err
			}
			if err := e.Info.apply(path); err != nil {
				return err
			}
		}
	}
	return nil
}
