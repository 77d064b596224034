package tooling

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Mounter abstracts the kernel mount capability so build environments
// can be exercised without privileges. The kernel backend performs real
// mounts; the no-op backend records them.
type Mounter interface {
	// Overlay mounts an overlayfs at merged with the given lower
	// directory stack (first entry is the top lower layer).
	Overlay(lower []string, upper, work, merged string) error
	// Bind performs a recursive bind mount.
	Bind(source, target string, readonly bool) error
	// VKFS mounts a virtual kernel filesystem (proc, sysfs, tmpfs).
	VKFS(fstype, target string) error
	// Unmount detaches a mount point.
	Unmount(target string) error
}

// KernelMounter performs real mounts. Requires root.
type KernelMounter struct{}

func (KernelMounter) Overlay(lower []string, upper, work, merged string) error {
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating overlay directory %s: %w", dir, err)
		}
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(lower, ":"), upper, work)
	debugf("mounting overlay (%s) ==> %s\n", data, merged)

	if err := unix.Mount("overlay", merged, "overlay", 0, data); err != nil {
		return fmt.Errorf("overlay at %s: %w: %v", merged, ErrMountFailed, err)
	}
	return nil
}

func (KernelMounter) Bind(source, target string, readonly bool) error {
	if err := os.MkdirAll(source, 0o755); err != nil {
		return fmt.Errorf("creating bind source %s: %w", source, err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating bind target %s: %w", target, err)
	}

	debugf("mounting bind %s ==> %s (readonly=%v)\n", source, target, readonly)
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s to %s: %w: %v", source, target, ErrMountFailed, err)
	}
	if readonly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			return fmt.Errorf("remounting %s read-only: %w: %v", target, ErrMountFailed, err)
		}
	}
	return nil
}

func (KernelMounter) VKFS(fstype, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("creating vkfs target %s: %w", target, err)
	}
	debugf("mounting vkfs %s ==> %s\n", fstype, target)
	if err := unix.Mount(fstype, target, fstype, 0, ""); err != nil {
		return fmt.Errorf("vkfs %s at %s: %w: %v", fstype, target, ErrMountFailed, err)
	}
	return nil
}

// Unmount retries on EBUSY with exponential backoff before giving up.
func (KernelMounter) Unmount(target string) error {
	const tries = 5
	delay := 100 * time.Millisecond

	var err error
	for i := 0; i < tries; i++ {
		err = unix.Unmount(target, 0)
		if err == nil {
			debugf("unmounted %s\n", target)
			return nil
		}
		if err != unix.EBUSY {
			break
		}
		debugf("unmount %s busy, retrying in %v\n", target, delay)
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("unmounting %s: %w: %v", target, ErrUnmountFailed, err)
}

// nopMount records one mount operation of the no-op backend.
type nopMount struct {
	Kind   string // overlay, bind, vkfs
	Target string
	Lower  []string
	Source string
}

// NopMounter records mount operations without touching the kernel.
// It backs tests and dry runs; the directories are still created so
// stage commands have somewhere to land.
type NopMounter struct {
	Mounts    []nopMount
	Unmounted []string
}

func (m *NopMounter) Overlay(lower []string, upper, work, merged string) error {
	for _, dir := range []string{upper, work, merged} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	m.Mounts = append(m.Mounts, nopMount{Kind: "overlay", Target: merged, Lower: lower})
	return nil
}

func (m *NopMounter) Bind(source, target string, readonly bool) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	m.Mounts = append(m.Mounts, nopMount{Kind: "bind", Target: target, Source: source})
	return nil
}

func (m *NopMounter) VKFS(fstype, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	m.Mounts = append(m.Mounts, nopMount{Kind: "vkfs", Target: target, Source: fstype})
	return nil
}

func (m *NopMounter) Unmount(target string) error {
	m.Unmounted = append(m.Unmounted, target)
	return nil
}
