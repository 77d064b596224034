package tooling

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testBuildOptions wires a formula and an empty registry into a build.
func testBuildOptions(t *testing.T, formula string) BuildOptions {
	t.Helper()
	distDir := t.TempDir()
	registry := writeRegistry(t, distDir, map[string][2]string{})
	return BuildOptions{
		FormulaPath:  writeFormula(t, formula),
		Toolchain:    filepath.Join(distDir, "toolchain"),
		PackageIndex: registry,
		DistDir:      distDir,
		WorkDir:      t.TempDir(),
		Compression:  CompressionNone,
		Maintainer:   "tester",
	}
}

const minimalFormula = `
file_version = 1
[package]
name = "mini"
version = "0.1"
description = "minimal"
`

func TestNewBuildAnyArch(t *testing.T) {
	opts := testBuildOptions(t, minimalFormula)
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	if b.Arch != AnyArch {
		t.Errorf("formula without arch list must build %q, got %q", AnyArch, b.Arch)
	}
	if b.ID == "" {
		t.Error("empty build id")
	}
}

func TestNewBuildUnsupportedArch(t *testing.T) {
	opts := testBuildOptions(t, `
file_version = 1
[package]
name = "mini"
version = "0.1"
arch = ["riscv64"]
`)
	opts.Arch = "x86_64"
	_, err := NewBuild(context.Background(), opts, &NopMounter{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unsupported arch: got %v, want ErrInvalidInput", err)
	}
}

func TestBuildPackagesImplicit(t *testing.T) {
	opts := testBuildOptions(t, minimalFormula)
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	pkgs := b.packages()
	if len(pkgs) != 1 || pkgs[0].Name != "mini" {
		t.Errorf("implicit package wrong: %+v", pkgs)
	}
}

func TestBuildPackagesExplicitDisableImplicit(t *testing.T) {
	opts := testBuildOptions(t, `
file_version = 1
[package]
name = "parent"
version = "1"
[packages.zeta]
[packages.alpha]
`)
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	pkgs := b.packages()
	if len(pkgs) != 2 {
		t.Fatalf("got %d packages, want 2 (implicit package disabled)", len(pkgs))
	}
	if pkgs[0].Name != "alpha" || pkgs[1].Name != "zeta" {
		t.Errorf("package order not deterministic: %s, %s", pkgs[0].Name, pkgs[1].Name)
	}
}

func TestRunStageNoOp(t *testing.T) {
	opts := testBuildOptions(t, minimalFormula)
	mounter := &NopMounter{}
	b, err := NewBuild(context.Background(), opts, mounter)
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}

	// no command strings at all: every stage is a no-op
	for _, stage := range buildStages {
		if err := b.runStage(&b.Formula.FormulaPackage, stage); err != nil {
			t.Fatalf("stage %s: %v", stage, err)
		}
	}
	if len(mounter.Mounts) != 0 {
		t.Errorf("no-op stages mounted %d times", len(mounter.Mounts))
	}
	if len(b.uppers) != 0 {
		t.Errorf("no-op stages stacked %d uppers", len(b.uppers))
	}
}

func TestRunStageCancelled(t *testing.T) {
	opts := testBuildOptions(t, minimalFormula)
	ctx, cancel := context.WithCancel(context.Background())
	b, err := NewBuild(ctx, opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	cancel()
	err = b.runStage(&b.Formula.FormulaPackage, StagePrepare)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("cancelled build: got %v, want ErrCancelled", err)
	}
}

func TestStageEnv(t *testing.T) {
	opts := testBuildOptions(t, minimalFormula)
	opts.Toolchain = "/acacia/toolchain"
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}

	env := b.stageEnv(&b.Formula.FormulaPackage)
	want := map[string]bool{
		"PATH=/acacia/toolchain/bin": true,
		"PKG_INSTALL_DIR=/pkg/data":  true,
		"PKG_NAME=mini":              true,
		"PKG_VERSION=0.1":            true,
		"PKG_ARCH=" + AnyArch:        true,
	}
	if len(env) != len(want) {
		t.Fatalf("got %d env vars, want %d: %v", len(env), len(want), env)
	}
	for _, v := range env {
		if !want[v] {
			t.Errorf("unexpected env var %q", v)
		}
	}
}

func TestFetchSourcesFileURL(t *testing.T) {
	src := filepath.Join(t.TempDir(), "mini-0.1.txt")
	if err := os.WriteFile(src, []byte("tarball"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := testBuildOptions(t, `
file_version = 1
[package]
name = "mini"
version = "0.1"
[[package.sources]]
url = "file://`+src+`"
dest = "$PKG_NAME-$PKG_VERSION.txt"
extract = false
`)
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	if err := b.FetchSources(); err != nil {
		t.Fatalf("FetchSources: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(b.sourcesDir(), "mini-0.1.txt"))
	if err != nil || string(data) != "tarball" {
		t.Errorf("fetched source: %q, %v", data, err)
	}
}

func TestFetchSourcesExtract(t *testing.T) {
	archive := writeTarGz(t, map[string]string{"mini-0.1/Makefile": "all:\n"})

	opts := testBuildOptions(t, `
file_version = 1
[package]
name = "mini"
version = "0.1"
[[package.sources]]
url = "file://`+archive+`"
dest = "src.tar.gz"
`)
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	if err := b.FetchSources(); err != nil {
		t.Fatalf("FetchSources: %v", err)
	}

	if _, err := os.Stat(filepath.Join(b.sourcesDir(), "mini-0.1", "Makefile")); err != nil {
		t.Errorf("extracted tree missing: %v", err)
	}
}

func TestFetchSourcesExtractFailure(t *testing.T) {
	junk := filepath.Join(t.TempDir(), "junk.tar.gz")
	if err := os.WriteFile(junk, []byte("not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := testBuildOptions(t, `
file_version = 1
[package]
name = "mini"
version = "0.1"
[[package.sources]]
url = "file://`+junk+`"
dest = "junk.tar.gz"
`)
	b, err := NewBuild(context.Background(), opts, &NopMounter{})
	if err != nil {
		t.Fatalf("NewBuild: %v", err)
	}
	if err := b.FetchSources(); !errors.Is(err, ErrExtractFailed) {
		t.Errorf("broken archive: got %v, want ErrExtractFailed", err)
	}
}
