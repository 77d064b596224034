package tooling

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/BurntSushi/toml"
)

// PackageIndexFile mirrors the packages.toml registry of installed
// packages.
type PackageIndexFile struct {
	Version  uint32                  `toml:"version"`
	Packages map[string]IndexPackage `toml:"package"`
}

// IndexPackage is one registry entry.
type IndexPackage struct {
	Version string `toml:"version"`
	Arch    string `toml:"arch"`
}

// PackageMetaFile mirrors a package.toml metadata file.
type PackageMetaFile struct {
	Version uint32      `toml:"version"`
	Package PackageMeta `toml:"package"`
}

// PackageMeta is the package description inside package.toml.
type PackageMeta struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description"`
	Arch        string   `toml:"arch"`
	Maintainer  string   `toml:"maintainer"`
	BuildID     string   `toml:"build_id"`
	OID         string   `toml:"oid,omitempty"`
	Inherited   []string `toml:"inherited,omitempty"`
	Warnings    []string `toml:"warnings,omitempty"`

	Dependencies      []PackageMetaDependency `toml:"dependencies"`
	ExtraDependencies []string                `toml:"extra_dependencies"`
}

// PackageMetaDependency is a dependency link in package.toml.
type PackageMetaDependency struct {
	OID  string `toml:"oid"`
	Path string `toml:"path"`
}

// InstalledPackage is a package found through the registry, rooted at
// <dist_dir>/<arch>/<name>/<version>/.
type InstalledPackage struct {
	Name    string
	Version string
	Arch    string
	Meta    PackageMeta

	distDir string
}

// RootDir returns the package directory.
func (p *InstalledPackage) RootDir() string {
	return filepath.Join(p.distDir, p.Arch, p.Name, p.Version)
}

// FilesDir returns the package's file tree.
func (p *InstalledPackage) FilesDir() string {
	return filepath.Join(p.RootDir(), "root")
}

// FullName is the <name>-<version> registry spelling.
func (p *InstalledPackage) FullName() string {
	return fmt.Sprintf("%s-%s", p.Name, p.Version)
}

// fileEntry records where one file of an installed package lives.
type fileEntry struct {
	// RelPath is the path below the package's root/ directory.
	RelPath string
	Pkg     *InstalledPackage
}

// PkgIndex is the installed-package registry plus the lazily built
// file lookup used for dependency inference.
type PkgIndex struct {
	Packages []*InstalledPackage

	distDir string
	// byName maps a file base name (e.g. a soname) to its providing
	// package; built on first use.
	byName map[string]fileEntry
	// byPath maps a root-relative path to its providing package.
	byPath map[string]fileEntry
}

// LoadPkgIndex reads packages.toml and the package.toml of every listed
// package. The file map is not built until a lookup needs it.
func LoadPkgIndex(indexPath, distDir string) (*PkgIndex, error) {
	var file PackageIndexFile
	if _, err := toml.DecodeFile(indexPath, &file); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("package index %s: %w", indexPath, ErrNotFound)
		}
		return nil, fmt.Errorf("parsing package index %s: %w: %v", indexPath, ErrInvalidInput, err)
	}

	idx := &PkgIndex{distDir: distDir}
	names := make([]string, 0, len(file.Packages))
	for name := range file.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := file.Packages[name]
		pkg := &InstalledPackage{
			Name:    name,
			Version: entry.Version,
			Arch:    entry.Arch,
			distDir: distDir,
		}

		var meta PackageMetaFile
		metaPath := filepath.Join(pkg.RootDir(), "package.toml")
		if _, err := toml.DecodeFile(metaPath, &meta); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("package %s has no metadata at %s: %w", pkg.FullName(), metaPath, ErrNotFound)
			}
			return nil, fmt.Errorf("parsing %s: %w: %v", metaPath, ErrInvalidInput, err)
		}
		pkg.Meta = meta.Package

		idx.Packages = append(idx.Packages, pkg)
	}
	return idx, nil
}

// Find returns the installed package with the given name.
func (idx *PkgIndex) Find(name string) (*InstalledPackage, error) {
	for _, pkg := range idx.Packages {
		if pkg.Name == name {
			return pkg, nil
		}
	}
	return nil, fmt.Errorf("package %s: %w", name, ErrNotFound)
}

// Resolve maps dependency names to installed packages, failing on the
// first one that is not installed.
func (idx *PkgIndex) Resolve(names []string) ([]*InstalledPackage, error) {
	var out []*InstalledPackage
	for _, name := range names {
		pkg, err := idx.Find(name)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, nil
}

// FindFile locates the package providing a file with the given base
// name (a soname or interpreter name). The returned path is relative to
// the package's root/ directory.
func (idx *PkgIndex) FindFile(name string) (string, *InstalledPackage, bool) {
	idx.buildFileMap()
	entry, ok := idx.byName[name]
	if !ok {
		return "", nil, false
	}
	return entry.RelPath, entry.Pkg, true
}

// FindPath locates the package providing an exact root-relative path.
func (idx *PkgIndex) FindPath(rel string) (*InstalledPackage, bool) {
	idx.buildFileMap()
	entry, ok := idx.byPath[rel]
	if !ok {
		return nil, false
	}
	return entry.Pkg, true
}

// buildFileMap walks every package's root/ subtree once. Symlinked
// directories are followed; cycles are broken by tracking visited
// inodes. When two packages provide the same path the most recently
// parsed package wins and the ambiguity is reported.
func (idx *PkgIndex) buildFileMap() {
	if idx.byName != nil {
		return
	}
	idx.byName = make(map[string]fileEntry)
	idx.byPath = make(map[string]fileEntry)

	type inode struct {
		dev uint64
		ino uint64
	}

	for _, pkg := range idx.Packages {
		root := pkg.FilesDir()
		visited := make(map[inode]bool)

		var walk func(dir, rel string)
		walk = func(dir, rel string) {
			if st, err := os.Stat(dir); err == nil {
				if sys, ok := st.Sys().(*syscall.Stat_t); ok {
					key := inode{dev: uint64(sys.Dev), ino: sys.Ino}
					if visited[key] {
						return
					}
					visited[key] = true
				}
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				return
			}
			for _, entry := range entries {
				name := entry.Name()
				path := filepath.Join(dir, name)
				relPath := filepath.Join(rel, name)

				info, err := os.Stat(path) // follows symlinks
				if err != nil {
					continue
				}
				if info.IsDir() {
					walk(path, relPath)
					continue
				}

				if prev, ok := idx.byPath[relPath]; ok && prev.Pkg != pkg {
					warnf("file %s provided by both %s and %s, using %s\n",
						relPath, prev.Pkg.FullName(), pkg.FullName(), pkg.FullName())
				}
				entry := fileEntry{RelPath: relPath, Pkg: pkg}
				idx.byPath[relPath] = entry
				idx.byName[name] = entry
			}
		}
		walk(root, "")
	}
}
