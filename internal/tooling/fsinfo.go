package tooling

import (
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"
)

// UnixInfo carries the ownership and permission bits recorded for tree
// and index entries.
type UnixInfo struct {
	UID  uint32
	GID  uint32
	Mode uint32
}

// unixInfoOf extracts ownership and mode from a stat result.
func unixInfoOf(info fs.FileInfo) UnixInfo {
	ui := UnixInfo{Mode: uint32(info.Mode().Perm())}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		ui.UID = st.Uid
		ui.GID = st.Gid
	}
	return ui
}

// apply sets mode and ownership on path. Ownership failures for
// unprivileged callers are tolerated, the mode is not.
func (ui UnixInfo) apply(path string) error {
	if err := os.Chmod(path, os.FileMode(ui.Mode)); err != nil {
		return fmt.Errorf("applying mode to %s: %w", path, err)
	}
	if err := os.Lchown(path, int(ui.UID), int(ui.GID)); err != nil {
		debugf("chown %s: %v (ignored)\n", path, err)
	}
	return nil
}

// validateEntryName refuses names that could escape the root a tree or
// index is applied to. Nothing is written to disk for a refused name.
func validateEntryName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("entry name %q: %w", name, ErrIndexEscape)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("entry name %q contains a path separator or NUL: %w", name, ErrIndexEscape)
	}
	return nil
}
