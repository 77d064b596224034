package tooling

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// PackageResult describes one packaged build product.
type PackageResult struct {
	Name    string
	Version string
	// Dir is the produced package directory holding package.toml,
	// link/ and root/.
	Dir string
	// TreeOID addresses the package's file tree in the object store.
	TreeOID ObjectID
	// PackageOID addresses the package object itself.
	PackageOID ObjectID
}

// PackagePackage finalizes one package of a build: it moves the
// populated data directory into place, writes the link directory and
// package.toml, and ingests the tree plus the package object into db.
// A validation failure still produces metadata, annotated with the
// warnings, but nothing is ingested.
func (b *Build) PackagePackage(pkg *ResolvedPackage, res *ValidationResult, db *ObjectDB) (*PackageResult, error) {
	pkgDir := filepath.Join(b.env.Root, "built", b.Arch, pkg.Name, pkg.Version)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating package directory: %w", err)
	}

	rootDir := filepath.Join(pkgDir, "root")
	dataDir := b.DataDir(pkg.Name)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(rootDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating empty package root: %w", err)
		}
	} else if err := os.Rename(dataDir, rootDir); err != nil {
		return nil, fmt.Errorf("moving %s into package: %w", dataDir, err)
	}

	if err := writeLinkDir(pkgDir, b.Arch, res.Deps); err != nil {
		return nil, err
	}

	meta := b.packageMeta(pkg, res)
	if err := writePackageMeta(filepath.Join(pkgDir, "package.toml"), meta); err != nil {
		return nil, err
	}

	if len(res.Errors) > 0 {
		return &PackageResult{Name: pkg.Name, Version: pkg.Version, Dir: pkgDir},
			fmt.Errorf("package %s had unresolved artifacts: %w", pkg.Name, ErrValidation)
	}

	treeOID, err := IndexTree(rootDir, db, b.opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("ingesting package tree: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeMeta(&buf, meta); err != nil {
		return nil, err
	}
	pkgOID, err := db.PutBytes(buf.Bytes(), ClassAcacia, TypePackage, CompressionNone,
		[]ObjectDependency{{OID: treeOID, Path: "root"}}, false)
	if err != nil {
		return nil, fmt.Errorf("ingesting package object: %w", err)
	}

	infof("packaged %s-%s as %s\n", pkg.Name, pkg.Version, pkgOID)
	return &PackageResult{
		Name:       pkg.Name,
		Version:    pkg.Version,
		Dir:        pkgDir,
		TreeOID:    treeOID,
		PackageOID: pkgOID,
	}, nil
}

// packageMeta assembles the package.toml contents for one package.
func (b *Build) packageMeta(pkg *ResolvedPackage, res *ValidationResult) *PackageMetaFile {
	meta := &PackageMetaFile{
		Version: 1,
		Package: PackageMeta{
			Name:              pkg.Name,
			Version:           pkg.Version,
			Description:       pkg.Description,
			Arch:              b.Arch,
			Maintainer:        b.opts.Maintainer,
			BuildID:           b.ID,
			Inherited:         pkg.Inherited,
			ExtraDependencies: pkg.ExtraDependencies,
		},
	}
	for _, dep := range res.Deps {
		meta.Package.Dependencies = append(meta.Package.Dependencies, PackageMetaDependency{
			OID:  dep.Pkg.Meta.OID,
			Path: filepath.Join("root", dep.RelPath),
		})
	}
	for _, err := range res.Errors {
		meta.Package.Warnings = append(meta.Package.Warnings, err.Error())
	}
	return meta
}

// writeLinkDir populates link/: one symlink per inferred dependency,
// pointing into the dist tree of the providing package. The dist dir is
// the compile-time constant; the runtime override only affects where
// packages are looked up, not where links point.
func writeLinkDir(pkgDir, arch string, deps []InferredDep) error {
	linkDir := filepath.Join(pkgDir, "link")
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return fmt.Errorf("creating link directory: %w", err)
	}

	for _, dep := range deps {
		target := filepath.Join("/", DistDirName, dep.Pkg.Arch, dep.Pkg.Name, dep.Pkg.Version, "root", dep.RelPath)
		link := filepath.Join(linkDir, dep.Name)
		os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("linking %s: %w", dep.Name, err)
		}
	}
	return nil
}

func writePackageMeta(path string, meta *PackageMetaFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if err := encodeMeta(f, meta); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func encodeMeta(w io.Writer, meta *PackageMetaFile) error {
	enc := toml.NewEncoder(w)
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("encoding package metadata: %w", err)
	}
	return nil
}
