package tooling

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// ObjectDB is the on-disk object repository. It exclusively owns the
// layout below its root: objects live under objects/<ab>/<hex>.aobj,
// sharded by the first hash byte.
type ObjectDB struct {
	root string
}

// OpenObjectDB opens (and creates if missing) an object database.
func OpenObjectDB(root string) (*ObjectDB, error) {
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("creating object database root: %w", err)
	}
	debugf("object db @ %s\n", root)
	return &ObjectDB{root: root}, nil
}

// Root returns the database root directory.
func (db *ObjectDB) Root() string {
	return db.root
}

func (db *ObjectDB) objectPath(oid ObjectID) string {
	return filepath.Join(db.root, "objects", oid.Path()+ObjectFileExtension)
}

// Has reports whether the store contains an object.
func (db *ObjectDB) Has(oid ObjectID) bool {
	_, err := os.Stat(db.objectPath(oid))
	return err == nil
}

// Put ingests a file as an object of the given class and type. When an
// object with the same id exists and force is false the existing object
// is left untouched and its id returned.
func (db *ObjectDB) Put(path string, class ObjectClass, typ ObjectType, comp ObjectCompression, deps []ObjectDependency, force bool) (ObjectID, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return ObjectID{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return db.PutBytes(payload, class, typ, comp, deps, force)
}

// PutBytes ingests a payload as an object.
func (db *ObjectDB) PutBytes(payload []byte, class ObjectClass, typ ObjectType, comp ObjectCompression, deps []ObjectDependency, force bool) (ObjectID, error) {
	oid := NewObjectID(payload)
	if !force && db.Has(oid) {
		return oid, nil
	}

	obj, err := NewObject(class, typ, comp, deps, payload)
	if err != nil {
		return ObjectID{}, err
	}
	var buf bytes.Buffer
	if err := obj.Encode(&buf); err != nil {
		return ObjectID{}, err
	}
	if err := db.writeRaw(oid, buf.Bytes()); err != nil {
		return ObjectID{}, err
	}

	debugf("inserted object %s (%d -> %d bytes, %s)\n", oid, len(payload), len(obj.StoredPayload()), comp)
	return oid, nil
}

// writeRaw atomically places encoded object bytes into the store.
// Temp file plus rename; concurrent writers of the same id race benignly
// because both rename identical content.
func (db *ObjectDB) writeRaw(oid ObjectID, encoded []byte) error {
	dest := db.objectPath(oid)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing object %s: %w", oid, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing object %s: %w", oid, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming object %s into place: %w", oid, err)
	}
	return nil
}

// GetObject reads and verifies an object.
func (db *ObjectDB) GetObject(oid ObjectID) (*Object, error) {
	f, err := os.Open(db.objectPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", oid, ErrNotFound)
		}
		return nil, fmt.Errorf("opening object %s: %w", oid, err)
	}
	defer f.Close()

	obj, err := DecodeObject(f)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", oid, err)
	}
	if obj.OID != oid {
		return nil, fmt.Errorf("object %s claims id %s: %w", oid, obj.OID, ErrCorrupt)
	}
	return obj, nil
}

// Get returns the verified, uncompressed payload of an object.
func (db *ObjectDB) Get(oid ObjectID) ([]byte, error) {
	obj, err := db.GetObject(oid)
	if err != nil {
		return nil, err
	}
	return obj.Payload()
}

// Dependencies lists the dependency links of an object without loading
// its payload.
func (db *ObjectDB) Dependencies(oid ObjectID) ([]ObjectDependency, error) {
	f, err := os.Open(db.objectPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", oid, ErrNotFound)
		}
		return nil, fmt.Errorf("opening object %s: %w", oid, err)
	}
	defer f.Close()

	obj, _, err := decodeObjectMeta(f)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", oid, err)
	}
	return obj.Dependencies, nil
}

// ReadRaw returns the encoded object file bytes, used when shipping
// objects between stores.
func (db *ObjectDB) ReadRaw(oid ObjectID) ([]byte, error) {
	raw, err := os.ReadFile(db.objectPath(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", oid, ErrNotFound)
		}
		return nil, fmt.Errorf("reading object %s: %w", oid, err)
	}
	return raw, nil
}

// ingestResult pairs an ingested file with its object id.
type ingestResult struct {
	Path string
	OID  ObjectID
}

// PutFiles ingests many files with a worker pool sized to the CPU count.
// Hashing and compression dominate, the temp-rename write keeps the
// store consistent under the concurrency.
func (db *ObjectDB) PutFiles(paths []string, comp ObjectCompression) (map[string]ObjectID, error) {
	workers := runtime.NumCPU()
	if workers > len(paths) {
		workers = len(paths)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	results := make(chan ingestResult, len(paths))
	errs := make(chan error, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				oid, err := db.Put(path, ClassAcacia, TypeUnknown, comp, nil, false)
				if err != nil {
					errs <- fmt.Errorf("ingesting %s: %w", path, err)
					continue
				}
				results <- ingestResult{Path: path, OID: oid}
			}
		}()
	}

	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	close(results)
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}

	out := make(map[string]ObjectID, len(paths))
	for res := range results {
		out[res.Path] = res.OID
	}
	return out, nil
}
