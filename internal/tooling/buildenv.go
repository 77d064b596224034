package tooling

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildEnvironment composes the layered filesystem view one build stage
// executes inside of. Lower layers come from the host and target
// dependency packages plus any extra overlay directories; every stage
// adds its own upper layer on top of the previous stages' uppers.
type BuildEnvironment struct {
	mounter Mounter

	// Root is this build's transient directory: <workdir>/overlay/<build-id>.
	Root string
	// Merged is the mountpoint the stages chroot into.
	Merged string

	// mounts is the teardown stack of mount targets, in mount order.
	mounts []string
}

// buildEnvConfig carries everything needed to compose one stage view.
type buildEnvConfig struct {
	// Lower is the overlay lower stack, topmost first.
	Lower []string
	// Upper and Work are this stage's overlay directories.
	Upper string
	Work  string
	// FormulaLower is the lower stack of the /formula overlay: the
	// per-build sources directory on top of the formula's parent
	// directory.
	FormulaLower []string
	// PkgDir is the writable archive directory bound at /pkg.
	PkgDir string
	// DistDir is bound read-only at its own path inside the root.
	DistDir string
}

// NewBuildEnvironment prepares the directory skeleton for a build.
// Existing user data is never removed.
func NewBuildEnvironment(mounter Mounter, workDir, buildID string) (*BuildEnvironment, error) {
	root := filepath.Join(workDir, "overlay", buildID)
	env := &BuildEnvironment{
		mounter: mounter,
		Root:    root,
		Merged:  filepath.Join(root, "merged"),
	}
	for _, dir := range []string{
		filepath.Join(root, "lower"),
		filepath.Join(root, "upper"),
		filepath.Join(root, "work"),
		env.Merged,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating build directory %s: %w", dir, err)
		}
	}
	return env, nil
}

// setup mounts the full stage view: the root overlay, the formula
// overlay, the package archive bind, the read-only dist bind and the
// virtual kernel filesystems. Every mount lands on the teardown stack.
func (env *BuildEnvironment) setup(cfg buildEnvConfig) error {
	mount := func(target string, do func() error) error {
		if err := do(); err != nil {
			return err
		}
		env.mounts = append(env.mounts, target)
		return nil
	}

	lower := cfg.Lower
	if len(lower) == 0 {
		// overlayfs needs at least one lower dir
		lower = []string{filepath.Join(env.Root, "lower")}
	}

	if err := mount(env.Merged, func() error {
		return env.mounter.Overlay(lower, cfg.Upper, cfg.Work, env.Merged)
	}); err != nil {
		return err
	}

	formulaTarget := filepath.Join(env.Merged, "formula")
	if err := mount(formulaTarget, func() error {
		return env.mounter.Overlay(
			cfg.FormulaLower,
			filepath.Join(env.Root, "formula_upper"),
			filepath.Join(env.Root, "formula_work"),
			formulaTarget,
		)
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(cfg.PkgDir, "data"), 0o755); err != nil {
		return fmt.Errorf("creating package archive directory: %w", err)
	}
	pkgTarget := filepath.Join(env.Merged, "pkg")
	if err := mount(pkgTarget, func() error {
		return env.mounter.Bind(cfg.PkgDir, pkgTarget, false)
	}); err != nil {
		return err
	}

	distTarget := filepath.Join(env.Merged, strings.TrimPrefix(cfg.DistDir, "/"))
	if err := mount(distTarget, func() error {
		return env.mounter.Bind(cfg.DistDir, distTarget, true)
	}); err != nil {
		return err
	}

	type vkfs struct {
		kind   string // bind or fstype
		source string
		target string
	}
	for _, m := range []vkfs{
		{kind: "bind", source: "/dev", target: filepath.Join(env.Merged, "dev")},
		{kind: "bind", source: "/dev/pts", target: filepath.Join(env.Merged, "dev", "pts")},
		{kind: "sysfs", target: filepath.Join(env.Merged, "sys")},
		{kind: "proc", target: filepath.Join(env.Merged, "proc")},
		{kind: "tmpfs", target: filepath.Join(env.Merged, "run")},
	} {
		m := m
		if err := mount(m.target, func() error {
			if m.kind == "bind" {
				return env.mounter.Bind(m.source, m.target, false)
			}
			return env.mounter.VKFS(m.kind, m.target)
		}); err != nil {
			return err
		}
	}

	return nil
}

// Teardown unmounts everything in reverse registration order. Unmount
// failures are reported after the whole stack was attempted, so one
// busy mount does not leave the rest behind. Directory removal is
// best-effort and never touches source data.
func (env *BuildEnvironment) Teardown() error {
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	var failures []string
	for i := len(env.mounts) - 1; i >= 0; i-- {
		target := env.mounts[i]
		if err := env.mounter.Unmount(target); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", target, err))
		}
	}
	env.mounts = nil

	if len(failures) > 0 {
		return fmt.Errorf("teardown left mounts behind:\n%s: %w", strings.Join(failures, "\n"), ErrUnmountFailed)
	}

	os.Remove(env.Merged)
	return nil
}
