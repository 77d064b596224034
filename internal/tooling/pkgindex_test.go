package tooling

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// installPackage fabricates an installed package below distDir.
func installPackage(t *testing.T, distDir, name, version, arch string, files map[string]string) {
	t.Helper()
	root := filepath.Join(distDir, arch, name, version)
	if err := os.MkdirAll(filepath.Join(root, "root"), 0o755); err != nil {
		t.Fatal(err)
	}

	meta := `version = 1

[package]
name = "` + name + `"
version = "` + version + `"
arch = "` + arch + `"
maintainer = "tester"
description = ""
build_id = ""
dependencies = []
extra_dependencies = []
`
	if err := os.WriteFile(filepath.Join(root, "package.toml"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	for rel, content := range files {
		path := filepath.Join(root, "root", rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func writeRegistry(t *testing.T, distDir string, entries map[string][2]string) string {
	t.Helper()
	content := "version = 1\n"
	for name, va := range entries {
		content += "\n[package." + name + "]\nversion = \"" + va[0] + "\"\narch = \"" + va[1] + "\"\n"
	}
	path := filepath.Join(distDir, "packages.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPkgIndex(t *testing.T) {
	distDir := t.TempDir()
	installPackage(t, distDir, "glibc", "2.38", "x86_64", map[string]string{
		"lib/libc.so.6": "elf bytes",
	})
	registry := writeRegistry(t, distDir, map[string][2]string{
		"glibc": {"2.38", "x86_64"},
	})

	idx, err := LoadPkgIndex(registry, distDir)
	if err != nil {
		t.Fatalf("LoadPkgIndex: %v", err)
	}
	if len(idx.Packages) != 1 {
		t.Fatalf("got %d packages, want 1", len(idx.Packages))
	}

	pkg, err := idx.Find("glibc")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if pkg.Version != "2.38" || pkg.Meta.Maintainer != "tester" {
		t.Errorf("package fields wrong: %+v", pkg)
	}
	wantRoot := filepath.Join(distDir, "x86_64", "glibc", "2.38")
	if pkg.RootDir() != wantRoot {
		t.Errorf("RootDir: got %q, want %q", pkg.RootDir(), wantRoot)
	}
}

func TestPkgIndexFindFile(t *testing.T) {
	distDir := t.TempDir()
	installPackage(t, distDir, "glibc", "2.38", "x86_64", map[string]string{
		"lib/libc.so.6":           "libc",
		"lib/ld-linux-x86-64.so.2": "loader",
	})
	registry := writeRegistry(t, distDir, map[string][2]string{
		"glibc": {"2.38", "x86_64"},
	})

	idx, err := LoadPkgIndex(registry, distDir)
	if err != nil {
		t.Fatalf("LoadPkgIndex: %v", err)
	}

	rel, pkg, ok := idx.FindFile("libc.so.6")
	if !ok {
		t.Fatal("libc.so.6 not found")
	}
	if pkg.Name != "glibc" {
		t.Errorf("provider: %q", pkg.Name)
	}
	if rel != filepath.Join("lib", "libc.so.6") {
		t.Errorf("relative path: %q", rel)
	}

	if _, _, ok := idx.FindFile("libdoesnotexist.so"); ok {
		t.Error("found a file that does not exist")
	}
}

func TestPkgIndexDuplicateLastWins(t *testing.T) {
	distDir := t.TempDir()
	installPackage(t, distDir, "aaa", "1", "x86_64", map[string]string{"bin/tool": "from aaa"})
	installPackage(t, distDir, "zzz", "1", "x86_64", map[string]string{"bin/tool": "from zzz"})
	registry := writeRegistry(t, distDir, map[string][2]string{
		"aaa": {"1", "x86_64"},
		"zzz": {"1", "x86_64"},
	})

	idx, err := LoadPkgIndex(registry, distDir)
	if err != nil {
		t.Fatalf("LoadPkgIndex: %v", err)
	}

	// packages parse in sorted order, the most recently parsed wins
	_, pkg, ok := idx.FindFile("tool")
	if !ok {
		t.Fatal("tool not found")
	}
	if pkg.Name != "zzz" {
		t.Errorf("duplicate winner: got %q, want zzz", pkg.Name)
	}
}

func TestPkgIndexSymlinkCycle(t *testing.T) {
	distDir := t.TempDir()
	installPackage(t, distDir, "looped", "1", "x86_64", map[string]string{"usr/bin/x": "x"})
	// a directory symlink cycle below root/
	root := filepath.Join(distDir, "x86_64", "looped", "1", "root")
	if err := os.Symlink(root, filepath.Join(root, "self")); err != nil {
		t.Fatal(err)
	}
	registry := writeRegistry(t, distDir, map[string][2]string{
		"looped": {"1", "x86_64"},
	})

	idx, err := LoadPkgIndex(registry, distDir)
	if err != nil {
		t.Fatalf("LoadPkgIndex: %v", err)
	}

	// must terminate and still find the file
	if _, _, ok := idx.FindFile("x"); !ok {
		t.Error("x not found with symlink cycle present")
	}
}

func TestPkgIndexMissingRegistry(t *testing.T) {
	_, err := LoadPkgIndex(filepath.Join(t.TempDir(), "nope.toml"), t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing registry: got %v, want ErrNotFound", err)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	distDir := t.TempDir()
	registry := writeRegistry(t, distDir, map[string][2]string{})
	idx, err := LoadPkgIndex(registry, distDir)
	if err != nil {
		t.Fatalf("LoadPkgIndex: %v", err)
	}
	if _, err := idx.Resolve([]string{"ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing dependency: got %v, want ErrNotFound", err)
	}
}
