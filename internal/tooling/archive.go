package tooling

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// archiveKind is the sniffed container format of a fetched source.
type archiveKind int

const (
	archiveUnknown archiveKind = iota
	archiveTarGz
	archiveTarXz
	archiveTarBz2
	archiveTarZst
	archiveZip
	archiveTar
)

// sniffArchive detects the archive format from magic bytes.
func sniffArchive(path string) (archiveKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return archiveUnknown, err
	}
	defer f.Close()

	var head [6]byte
	n, err := f.Read(head[:])
	if err != nil && err != io.EOF {
		return archiveUnknown, err
	}
	b := head[:n]

	switch {
	case len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b:
		return archiveTarGz, nil
	case len(b) >= 6 && string(b[:6]) == "\xfd7zXZ\x00":
		return archiveTarXz, nil
	case len(b) >= 3 && string(b[:3]) == "BZh":
		return archiveTarBz2, nil
	case len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd:
		return archiveTarZst, nil
	case len(b) >= 4 && string(b[:4]) == "PK\x03\x04":
		return archiveZip, nil
	}

	// ustar magic sits at offset 257
	if _, err := f.Seek(257, io.SeekStart); err == nil {
		var magic [5]byte
		if _, err := io.ReadFull(f, magic[:]); err == nil && string(magic[:]) == "ustar" {
			return archiveTar, nil
		}
	}
	return archiveUnknown, nil
}

// extractArchive unpacks a fetched source into dest. An unknown or
// broken archive is a hard failure, never a silent fallthrough.
func extractArchive(path, dest string) error {
	kind, err := sniffArchive(path)
	if err != nil {
		return fmt.Errorf("sniffing %s: %w: %v", path, ErrExtractFailed, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	switch kind {
	case archiveTarGz:
		r, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening gzip stream of %s: %w: %v", path, ErrExtractFailed, err)
		}
		defer r.Close()
		return untar(r, dest, path)
	case archiveTarXz:
		r, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening xz stream of %s: %w: %v", path, ErrExtractFailed, err)
		}
		return untar(r, dest, path)
	case archiveTarBz2:
		return untar(bzip2.NewReader(f), dest, path)
	case archiveTarZst:
		r, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening zstd stream of %s: %w: %v", path, ErrExtractFailed, err)
		}
		defer r.Close()
		return untar(r, dest, path)
	case archiveTar:
		return untar(f, dest, path)
	case archiveZip:
		return unzip(path, dest)
	default:
		return fmt.Errorf("cannot determine archive type of %s: %w", path, ErrExtractFailed)
	}
}

// untar unpacks a tar stream, refusing entries that escape dest.
func untar(r io.Reader, dest, name string) error {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w: %v", name, ErrExtractFailed, err)
		}

		target := filepath.Join(absDest, hdr.Name)
		if !strings.HasPrefix(target, absDest+string(os.PathSeparator)) && target != absDest {
			return fmt.Errorf("illegal path %s in %s: %w", hdr.Name, name, ErrExtractFailed)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extracting %s from %s: %w: %v", hdr.Name, name, ErrExtractFailed, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src := filepath.Join(absDest, hdr.Linkname)
			if !strings.HasPrefix(src, absDest+string(os.PathSeparator)) {
				return fmt.Errorf("illegal hardlink %s in %s: %w", hdr.Linkname, name, ErrExtractFailed)
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			debugf("skipping tar entry %s (type %c)\n", hdr.Name, hdr.Typeflag)
		}
	}
}

// unzip unpacks a zip archive, refusing entries that escape dest.
func unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening zip %s: %w: %v", src, ErrExtractFailed, err)
	}
	defer r.Close()

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		target := filepath.Join(absDest, f.Name)
		if !strings.HasPrefix(target, absDest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal path %s in %s: %w", f.Name, src, ErrExtractFailed)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, f.Mode()); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			out.Close()
			return fmt.Errorf("reading %s from %s: %w: %v", f.Name, src, ErrExtractFailed, err)
		}
		_, err = io.Copy(out, rc)
		out.Close()
		rc.Close()
		if err != nil {
			return fmt.Errorf("extracting %s from %s: %w: %v", f.Name, src, ErrExtractFailed, err)
		}
	}
	return nil
}
