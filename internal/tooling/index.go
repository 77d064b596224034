package tooling

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Index file wire format, version 0: magic "AIDX", 1 version byte, then
// a linear stream of walk commands interpreted against a virtual
// working directory. Applying an index can never escape its root.

var indexMagic = [4]byte{'A', 'I', 'D', 'X'}

// IndexVersion is the index file version this codec emits.
const IndexVersion uint8 = 0

const (
	indexCmdDirectoryUp uint8 = 0x00
	indexCmdDirectory   uint8 = 0x10
	indexCmdFile        uint8 = 0x20
	indexCmdSymlink     uint8 = 0x30
)

// IndexCommand is one walk instruction of an index stream.
type IndexCommand struct {
	Kind   uint8
	Info   UnixInfo
	Name   string
	OID    ObjectID // files only
	Target string   // symlinks only
}

// Index is a linear filesystem-hierarchy encoding.
type Index struct {
	Commands []IndexCommand
}

// Encode writes the index file in command order.
func (ix *Index) Encode(w io.Writer) error {
	if _, err := w.Write(indexMagic[:]); err != nil {
		return fmt.Errorf("writing index magic: %w", err)
	}
	if _, err := w.Write([]byte{IndexVersion}); err != nil {
		return fmt.Errorf("writing index version: %w", err)
	}

	for _, c := range ix.Commands {
		if _, err := w.Write([]byte{c.Kind}); err != nil {
			return fmt.Errorf("writing index command: %w", err)
		}
		switch c.Kind {
		case indexCmdDirectoryUp:
			// no payload
		case indexCmdDirectory:
			if err := writeInfoAndName(w, c.Info, c.Name); err != nil {
				return err
			}
		case indexCmdFile:
			var hdr [20]byte
			binary.LittleEndian.PutUint32(hdr[0:4], c.Info.UID)
			binary.LittleEndian.PutUint32(hdr[4:8], c.Info.GID)
			binary.LittleEndian.PutUint32(hdr[8:12], c.Info.Mode)
			binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(c.Name)))
			binary.LittleEndian.PutUint32(hdr[16:20], OIDLen)
			if _, err := w.Write(hdr[:]); err != nil {
				return fmt.Errorf("writing file %q header: %w", c.Name, err)
			}
			if _, err := io.WriteString(w, c.Name); err != nil {
				return fmt.Errorf("writing file name: %w", err)
			}
			if _, err := w.Write(c.OID[:]); err != nil {
				return fmt.Errorf("writing file id: %w", err)
			}
		case indexCmdSymlink:
			var hdr [20]byte
			binary.LittleEndian.PutUint32(hdr[0:4], c.Info.UID)
			binary.LittleEndian.PutUint32(hdr[4:8], c.Info.GID)
			binary.LittleEndian.PutUint32(hdr[8:12], c.Info.Mode)
			binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(c.Name)))
			binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(c.Target)))
			if _, err := w.Write(hdr[:]); err != nil {
				return fmt.Errorf("writing symlink %q header: %w", c.Name, err)
			}
			if _, err := io.WriteString(w, c.Name); err != nil {
				return fmt.Errorf("writing symlink name: %w", err)
			}
			if _, err := io.WriteString(w, c.Target); err != nil {
				return fmt.Errorf("writing symlink target: %w", err)
			}
		default:
			return fmt.Errorf("unknown index command %#02x: %w", c.Kind, ErrInvalidInput)
		}
	}
	return nil
}

// DecodeIndex parses an index file. Iteration order equals file order.
// The OID length field must be 32 for version-0 files.
func DecodeIndex(r io.Reader) (*Index, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading index magic: %w: %v", ErrCorrupt, err)
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("bad index magic %q: %w", magic[:], ErrCorrupt)
	}
	var ver [1]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return nil, fmt.Errorf("reading index version: %w: %v", ErrCorrupt, err)
	}
	if ver[0] != IndexVersion {
		return nil, fmt.Errorf("unsupported index version %d: %w", ver[0], ErrCorrupt)
	}

	ix := &Index{}
	for {
		var cmd [1]byte
		if _, err := io.ReadFull(r, cmd[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading index command: %w: %v", ErrCorrupt, err)
		}

		var c IndexCommand
		c.Kind = cmd[0]
		switch c.Kind {
		case indexCmdDirectoryUp:
			ix.Commands = append(ix.Commands, c)
			continue
		case indexCmdDirectory:
			var hdr [16]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return nil, fmt.Errorf("reading directory header: %w: %v", ErrCorrupt, err)
			}
			c.Info = UnixInfo{
				UID:  binary.LittleEndian.Uint32(hdr[0:4]),
				GID:  binary.LittleEndian.Uint32(hdr[4:8]),
				Mode: binary.LittleEndian.Uint32(hdr[8:12]),
			}
			name := make([]byte, binary.LittleEndian.Uint32(hdr[12:16]))
			if _, err := io.ReadFull(r, name); err != nil {
				return nil, fmt.Errorf("reading directory name: %w: %v", ErrCorrupt, err)
			}
			c.Name = string(name)
		case indexCmdFile:
			var hdr [20]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return nil, fmt.Errorf("reading file header: %w: %v", ErrCorrupt, err)
			}
			c.Info = UnixInfo{
				UID:  binary.LittleEndian.Uint32(hdr[0:4]),
				GID:  binary.LittleEndian.Uint32(hdr[4:8]),
				Mode: binary.LittleEndian.Uint32(hdr[8:12]),
			}
			nameLen := binary.LittleEndian.Uint32(hdr[12:16])
			oidLen := binary.LittleEndian.Uint32(hdr[16:20])
			if oidLen != OIDLen {
				return nil, fmt.Errorf("index file entry has object id length %d, want %d: %w", oidLen, OIDLen, ErrCorrupt)
			}
			name := make([]byte, nameLen)
			if _, err := io.ReadFull(r, name); err != nil {
				return nil, fmt.Errorf("reading file name: %w: %v", ErrCorrupt, err)
			}
			if _, err := io.ReadFull(r, c.OID[:]); err != nil {
				return nil, fmt.Errorf("reading file id: %w: %v", ErrCorrupt, err)
			}
			c.Name = string(name)
		case indexCmdSymlink:
			var hdr [20]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return nil, fmt.Errorf("reading symlink header: %w: %v", ErrCorrupt, err)
			}
			c.Info = UnixInfo{
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
			c.Name = string(name)
			c.Target = string(target)
		default:
			return nil, fmt.Errorf("unknown index command %#02x: %w", c.Kind, ErrCorrupt)
		}

		if err := validateEntryName(c.Name); err != nil {
			return nil, err
		}
		ix.Commands = append(ix.Commands, c)
	}
	return ix, nil
}

// Apply executes the index against root, maintaining the virtual
// working directory stack. A DirectoryUp at depth zero fails before
// anything else is written.
func (ix *Index) Apply(root string, db *ObjectDB) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}

	var vwd []string
	cwd := func() string {
		return filepath.Join(append([]string{root}, vwd...)...)
	}

	for _, c := range ix.Commands {
		switch c.Kind {
		case indexCmdDirectoryUp:
			if len(vwd) == 0 {
				return fmt.Errorf("directory-up at index root: %w", ErrIndexEscape)
			}
			vwd = vwd[:len(vwd)-1]
		case indexCmdDirectory:
			if err := validateEntryName(c.Name); err != nil {
				return err
			}
			path := filepath.Join(cwd(), c.Name)
			if err := os.MkdirAll(path, os.FileMode(c.Info.Mode)); err != nil {
				return fmt.Errorf("creating directory %s: %w", path, err)
			}
			if err := c.Info.apply(path); err != nil {
				return err
			}
			vwd = append(vwd, c.Name)
		case indexCmdFile:
			if err := validateEntryName(c.Name); err != nil {
				return err
			}
			path := filepath.Join(cwd(), c.Name)
			payload, err := db.Get(c.OID)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, payload, os.FileMode(c.Info.Mode)); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			if err := c.Info.apply(path); err != nil {
				return err
			}
		case indexCmdSymlink:
			if err := validateEntryName(c.Name); err != nil {
				return err
			}
			path := filepath.Join(cwd(), c.Name)
			if err := os.Symlink(c.Target, path); err != nil {
				return fmt.Errorf("creating symlink %s: %w", path, err)
			}
		default:
			return fmt.Errorf("unknown index command %#02x: %w", c.Kind, ErrInvalidInput)
		}
	}
	return nil
}

// IndexDirectory encodes a directory by a canonical (sorted) walk,
// ingesting file contents into db. The resulting index recreates the
// directory when applied.
func IndexDirectory(root string, db *ObjectDB, comp ObjectCompression) (*Index, error) {
	ix := &Index{}
	if err := indexWalk(root, db, comp, ix); err != nil {
		return nil, err
	}
	return ix, nil
}

func indexWalk(dir string, db *ObjectDB, comp ObjectCompression, ix *Index) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		ui := unixInfoOf(info)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", path, err)
			}
			ix.Commands = append(ix.Commands, IndexCommand{
				Kind: indexCmdSymlink, Info: ui, Name: name, Target: target,
			})
		case info.IsDir():
			ix.Commands = append(ix.Commands, IndexCommand{
				Kind: indexCmdDirectory, Info: ui, Name: name,
			})
			if err := indexWalk(path, db, comp, ix); err != nil {
				return err
			}
			ix.Commands = append(ix.Commands, IndexCommand{Kind: indexCmdDirectoryUp})
		default:
			oid, err := db.Put(path, ClassAcacia, TypeUnknown, comp, nil, false)
			if err != nil {
				return err
			}
			ix.Commands = append(ix.Commands, IndexCommand{
				Kind: indexCmdFile, Info: ui, Name: name, OID: oid,
			})
		}
	}
	return nil
}
