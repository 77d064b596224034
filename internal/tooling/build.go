package tooling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Build stages, in execution order.
const (
	StagePrepare = "prepare"
	StageBuild   = "build"
	StageCheck   = "check"
	StagePackage = "package"
)

var buildStages = []string{StagePrepare, StageBuild, StageCheck, StagePackage}

// BuildOptions is the CLI-facing configuration of one build.
type BuildOptions struct {
	FormulaPath  string
	Toolchain    string
	Arch         string
	PackageIndex string
	DistDir      string
	WorkDir      string
	OverlayDirs  []string
	Compression  ObjectCompression
	Maintainer   string
}

// Build drives one formula through the pipeline: source acquisition,
// the four stages per package, validation and packaging.
type Build struct {
	ID      string
	Formula *Formula
	Arch    string

	HostDeps   []*InstalledPackage
	TargetDeps []*InstalledPackage
	Index      *PkgIndex

	opts BuildOptions
	exec *Executor
	env     *BuildEnvironment
	ctx     context.Context

	// uppers is the stack of stage upper directories, newest first.
	// Every new stage sees the accumulated changes of the ones before.
	uppers []string
}

// NewBuild parses the formula, checks the architecture, resolves the
// dependency packages and prepares the working directory.
func NewBuild(ctx context.Context, opts BuildOptions, mounter Mounter) (*Build, error) {
	formula, err := LoadFormula(opts.FormulaPath)
	if err != nil {
		return nil, err
	}

	// A formula without an arch list builds the architecture-independent
	// variant regardless of the requested architecture.
	buildArch := opts.Arch
	if buildArch == "" {
		buildArch = systemArch()
	}
	if len(formula.Arch) == 0 {
		buildArch = AnyArch
	} else if !formula.SupportsArch(buildArch) {
		return nil, fmt.Errorf("formula %s does not support architecture %s (supports %v): %w",
			formula.Name, buildArch, formula.Arch, ErrInvalidInput)
	}

	index, err := LoadPkgIndex(opts.PackageIndex, opts.DistDir)
	if err != nil {
		return nil, err
	}
	hostDeps, err := index.Resolve(formula.HostDependencies)
	if err != nil {
		return nil, fmt.Errorf("resolving host dependencies: %w", err)
	}
	targetDeps, err := index.Resolve(formula.TargetDependencies)
	if err != nil {
		return nil, fmt.Errorf("resolving target dependencies: %w", err)
	}

	id := newBuildID()
	env, err := NewBuildEnvironment(mounter, opts.WorkDir, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(opts.WorkDir, "sources", id), 0o755); err != nil {
		return nil, fmt.Errorf("creating sources directory: %w", err)
	}

	b := &Build{
		ID:         id,
		Formula:    formula,
		Arch:       buildArch,
		HostDeps:   hostDeps,
		TargetDeps: targetDeps,
		Index:      index,
		opts:       opts,
		exec:       NewExecutor(ctx),
		env:        env,
		ctx:        ctx,
	}
	infof("building %s (build-id %s)\n", formula.FullName(buildArch), id)
	return b, nil
}

func newBuildID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw[:])
}

// systemArch normalizes the runtime architecture to the distribution's
// spelling.
func systemArch() string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return arch
	}
}

// sourcesDir is where fetched sources land before the formula overlay
// exposes them at /formula.
func (b *Build) sourcesDir() string {
	return filepath.Join(b.opts.WorkDir, "sources", b.ID)
}

// FetchSources acquires every source of the formula, substituting the
// package variables and refusing destinations that escape the sources
// directory. Extraction failures fail the build.
func (b *Build) FetchSources() error {
	var jobs []sourceJob
	var extracts []sourceJob

	for i := range b.Formula.Sources {
		src := &b.Formula.Sources[i]
		url := substituteVariables(src.URL, &b.Formula.FormulaPackage, b.Arch)
		dest := substituteVariables(src.dest(), &b.Formula.FormulaPackage, b.Arch)
		if err := validateSourceDest(dest); err != nil {
			return err
		}

		job := sourceJob{
			URL:   url,
			Dest:  filepath.Join(b.sourcesDir(), dest),
			B3Sum: src.B3Sum,
		}
		jobs = append(jobs, job)
		if src.wantsExtract() {
			extracts = append(extracts, job)
		}
	}

	if len(jobs) == 0 {
		return nil
	}
	infof("fetching %d source(s)\n", len(jobs))
	if err := fetchSources(b.ctx, jobs); err != nil {
		return err
	}

	for _, job := range extracts {
		infof("extracting %s\n", filepath.Base(job.Dest))
		if err := extractArchive(job.Dest, b.sourcesDir()); err != nil {
			return err
		}
	}
	return nil
}

// lowerStack assembles the overlay lower directories for the next
// stage: accumulated stage uppers first, then the extra overlay dirs,
// then the root trees of the dependency packages.
func (b *Build) lowerStack() []string {
	var lower []string
	lower = append(lower, b.uppers...)
	lower = append(lower, b.opts.OverlayDirs...)
	for _, dep := range b.HostDeps {
		lower = append(lower, dep.FilesDir())
	}
	for _, dep := range b.TargetDeps {
		lower = append(lower, dep.FilesDir())
	}
	return lower
}

// stageEnv is the variable set exported into the chroot.
func (b *Build) stageEnv(pkg *FormulaPackage) []string {
	return []string{
		"PATH=" + filepath.Join(b.opts.Toolchain, "bin"),
		"PKG_INSTALL_DIR=" + filepath.Join("/pkg", "data"),
		"PKG_NAME=" + pkg.Name,
		"PKG_VERSION=" + pkg.Version,
		"PKG_ARCH=" + b.Arch,
	}
}

// pkgArchiveDir is the writable archive directory for one package,
// bound at /pkg during its stages.
func (b *Build) pkgArchiveDir(name string) string {
	return filepath.Join(b.env.Root, "archive", name)
}

// runStage composes the stage view, executes the stage command inside
// the chroot and stacks the stage's upper directory for the stages that
// follow. Empty commands are a no-op and add no layer.
func (b *Build) runStage(pkg *FormulaPackage, stage string) error {
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("build %s: %w", b.ID, ErrCancelled)
	}

	command := pkg.Command(stage)
	if command == "" {
		debugf("stage %s of %s is a no-op\n", stage, pkg.Name)
		return nil
	}

	stageDir := filepath.Join(b.env.Root, "stages", pkg.Name, stage)
	upper := filepath.Join(stageDir, "upper")
	work := filepath.Join(stageDir, "work")

	cfg := buildEnvConfig{
		Lower:        b.lowerStack(),
		Upper:        upper,
		Work:         work,
		FormulaLower: []string{b.sourcesDir(), filepath.Dir(b.opts.FormulaPath)},
		PkgDir:       b.pkgArchiveDir(pkg.Name),
		DistDir:      b.opts.DistDir,
	}
	if err := b.env.setup(cfg); err != nil {
		return err
	}

	infof("running stage %s of %s\n", stage, pkg.Name)
	stageErr := b.exec.RunStage(stage, b.env.Merged, command, b.stageEnv(pkg))

	if err := b.env.Teardown(); err != nil {
		if stageErr == nil {
			return err
		}
		warnf("teardown after failed stage: %v\n", err)
	}
	if stageErr != nil {
		return stageErr
	}

	// the new upper becomes the top lower layer of the next stage
	b.uppers = append([]string{upper}, b.uppers...)
	return nil
}

// packages returns the package list of this build: the resolved
// sub-packages, or the implicit single package matching the formula
// when none are declared. Declared sub-packages replace the parent and
// come back sorted by name, so the order is deterministic.
func (b *Build) packages() []*ResolvedPackage {
	if len(b.Formula.SubPackages) == 0 {
		return []*ResolvedPackage{{FormulaPackage: b.Formula.FormulaPackage}}
	}
	names := make([]string, 0, len(b.Formula.SubPackages))
	for name := range b.Formula.SubPackages {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*ResolvedPackage, 0, len(names))
	for _, name := range names {
		out = append(out, b.Formula.SubPackages[name])
	}
	return out
}

// Run executes all stages for every package of the formula. Each
// package's stage uppers land on the shared stack, so sub-packages see
// what their predecessors built.
func (b *Build) Run() error {
	if err := b.FetchSources(); err != nil {
		return err
	}
	for _, pkg := range b.packages() {
		for _, stage := range buildStages {
			if err := b.runStage(&pkg.FormulaPackage, stage); err != nil {
				return err
			}
		}
	}
	return nil
}

// Teardown releases whatever the build still holds. Safe to call after
// a completed run; partially built artifacts stay on disk for
// inspection.
func (b *Build) Teardown() {
	if err := b.env.Teardown(); err != nil {
		errorf("build %s teardown: %v\n", b.ID, err)
	}
}

// DataDir returns the populated archive data directory of one package
// after its package stage ran.
func (b *Build) DataDir(pkgName string) string {
	return filepath.Join(b.pkgArchiveDir(pkgName), "data")
}
