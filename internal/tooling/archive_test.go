package tooling

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

func writeTarGz(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := pgzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractTarGz(t *testing.T) {
	archive := writeTarGz(t, map[string]string{
		"pkg-1.0/configure": "#!/bin/sh\n",
		"pkg-1.0/Makefile":  "all:\n",
	})

	dest := t.TempDir()
	if err := extractArchive(archive, dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "pkg-1.0", "configure"))
	if err != nil || string(data) != "#!/bin/sh\n" {
		t.Errorf("configure: %q, %v", data, err)
	}
}

func TestExtractTarXz(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.tar.xz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	xw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(xw)
	hdr := &tar.Header{Name: "file.txt", Mode: 0o644, Size: 5}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dest := t.TempDir()
	if err := extractArchive(path, dest); err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "file.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("file.txt: %q, %v", data, err)
	}
}

func TestExtractRefusesEscape(t *testing.T) {
	archive := writeTarGz(t, map[string]string{
		"../escape": "evil",
	})
	err := extractArchive(archive, t.TempDir())
	if !errors.Is(err, ErrExtractFailed) {
		t.Errorf("escaping entry: got %v, want ErrExtractFailed", err)
	}
}

func TestExtractUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-an-archive")
	if err := os.WriteFile(path, []byte("just some text"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := extractArchive(path, t.TempDir()); !errors.Is(err, ErrExtractFailed) {
		t.Errorf("unknown format: got %v, want ErrExtractFailed", err)
	}
}

func TestSniffArchive(t *testing.T) {
	gz := writeTarGz(t, map[string]string{"a": "b"})
	kind, err := sniffArchive(gz)
	if err != nil || kind != archiveTarGz {
		t.Errorf("gz sniff: %v, %v", kind, err)
	}
}
