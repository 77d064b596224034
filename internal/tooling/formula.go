package tooling

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// FormulaFileVersion is the formula schema version this build of the
// tooling understands.
const FormulaFileVersion = 1

// FormulaFile mirrors the on-disk formula.toml schema.
type FormulaFile struct {
	FileVersion uint32                    `toml:"file_version"`
	Package     FormulaPackage            `toml:"package"`
	Packages    map[string]FormulaPackage `toml:"packages"`
}

// FormulaPackage is one package description inside a formula. In
// sub-package tables every field is optional; unset fields inherit from
// the parent.
type FormulaPackage struct {
	Name        string   `toml:"name"`
	Version     string   `toml:"version"`
	Description string   `toml:"description"`
	Arch        []string `toml:"arch"`

	HostDependencies   []string `toml:"host_dependencies"`
	TargetDependencies []string `toml:"target_dependencies"`
	ExtraDependencies  []string `toml:"extra_dependencies"`

	Strip *bool `toml:"strip"`

	Prepare *string `toml:"prepare"`
	Build   *string `toml:"build"`
	Check   *string `toml:"check"`
	Package *string `toml:"package"`

	Sources []FormulaSource `toml:"sources"`
}

// FormulaSource describes one source acquisition of a formula.
type FormulaSource struct {
	URL     string `toml:"url"`
	Dest    string `toml:"dest"`
	Extract *bool  `toml:"extract"`
	B3Sum   string `toml:"b3sum"`
}

// Formula is the resolved, in-memory recipe: the parent package plus
// its sub-packages with inheritance applied.
type Formula struct {
	FormulaPackage

	// SubPackages are the resolved sub-package specs, keyed by name.
	// Empty means the implicit single package matching the formula.
	SubPackages map[string]*ResolvedPackage
}

// ResolvedPackage is a sub-package after the inheritance merge.
// Inherited records which fields were filled in from the parent so the
// emitted metadata can distinguish explicit from inherited values.
type ResolvedPackage struct {
	FormulaPackage
	Inherited []string
}

// LoadFormula parses and resolves a formula file.
func LoadFormula(path string) (*Formula, error) {
	var file FormulaFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parsing formula %s: %w: %v", path, ErrInvalidInput, err)
	}
	return resolveFormula(&file)
}

// ParseFormula resolves a formula from raw TOML bytes, used when the
// formula comes out of the object store.
func ParseFormula(data []byte) (*Formula, error) {
	var file FormulaFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing formula: %w: %v", ErrInvalidInput, err)
	}
	return resolveFormula(&file)
}

func resolveFormula(file *FormulaFile) (*Formula, error) {
	if file.FileVersion != FormulaFileVersion {
		return nil, fmt.Errorf("formula file_version %d, want %d: %w", file.FileVersion, FormulaFileVersion, ErrInvalidInput)
	}
	if file.Package.Name == "" || file.Package.Version == "" {
		return nil, fmt.Errorf("formula needs package name and version: %w", ErrInvalidInput)
	}
	for i, src := range file.Package.Sources {
		if err := validateSourceDest(src.dest()); err != nil {
			return nil, fmt.Errorf("source %d of %s: %w", i, file.Package.Name, err)
		}
	}

	f := &Formula{
		FormulaPackage: file.Package,
		SubPackages:    make(map[string]*ResolvedPackage),
	}
	for name, sub := range file.Packages {
		resolved := mergePackage(name, sub, &file.Package)
		f.SubPackages[name] = resolved
	}
	return f, nil
}

// mergePackage fills the unset fields of a sub-package from the parent,
// recording what was inherited. extra_dependencies union with the
// parent's instead of replacing them.
func mergePackage(name string, sub FormulaPackage, parent *FormulaPackage) *ResolvedPackage {
	res := &ResolvedPackage{FormulaPackage: sub}
	res.Name = name

	inherit := func(field string, apply func()) {
		apply()
		res.Inherited = append(res.Inherited, field)
	}

	if res.Version == "" {
		inherit("version", func() { res.Version = parent.Version })
	}
	if res.Description == "" {
		inherit("description", func() { res.Description = parent.Description })
	}
	if res.Arch == nil {
		inherit("arch", func() { res.Arch = parent.Arch })
	}
	if res.HostDependencies == nil {
		inherit("host_dependencies", func() { res.HostDependencies = parent.HostDependencies })
	}
	if res.TargetDependencies == nil {
		inherit("target_dependencies", func() { res.TargetDependencies = parent.TargetDependencies })
	}
	if res.Strip == nil {
		inherit("strip", func() { res.Strip = parent.Strip })
	}
	if res.Prepare == nil {
		inherit("prepare", func() { res.Prepare = parent.Prepare })
	}
	if res.Build == nil {
		inherit("build", func() { res.Build = parent.Build })
	}
	if res.Check == nil {
		inherit("check", func() { res.Check = parent.Check })
	}
	if res.Package == nil {
		inherit("package", func() { res.Package = parent.Package })
	}
	if res.Sources == nil {
		inherit("sources", func() { res.Sources = parent.Sources })
	}

	res.ExtraDependencies = unionStrings(parent.ExtraDependencies, sub.ExtraDependencies)
	sort.Strings(res.Inherited)
	return res
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// FullName is the <arch>-<name>-<version> convention used in logs and
// build ids.
func (p *FormulaPackage) FullName(arch string) string {
	return fmt.Sprintf("%s-%s-%s", arch, p.Name, p.Version)
}

// WantsStrip reports whether strip commands should be emitted for this
// package. Default is true.
func (p *FormulaPackage) WantsStrip() bool {
	return p.Strip == nil || *p.Strip
}

// SupportsArch reports whether the package may be built for arch. An
// empty list and the any architecture allow everything.
func (p *FormulaPackage) SupportsArch(arch string) bool {
	if len(p.Arch) == 0 {
		return true
	}
	for _, a := range p.Arch {
		if a == arch || a == AnyArch {
			return true
		}
	}
	return false
}

// Command returns the command string for a stage, empty when the stage
// is a no-op.
func (p *FormulaPackage) Command(stage string) string {
	var cmd *string
	switch stage {
	case StagePrepare:
		cmd = p.Prepare
	case StageBuild:
		cmd = p.Build
	case StageCheck:
		cmd = p.Check
	case StagePackage:
		cmd = p.Package
	}
	if cmd == nil {
		return ""
	}
	return *cmd
}

// substituteVariables expands $PKG_NAME, $PKG_VERSION and $PKG_ARCH.
func substituteVariables(s string, pkg *FormulaPackage, arch string) string {
	r := strings.NewReplacer(
		"$PKG_NAME", pkg.Name,
		"$PKG_VERSION", pkg.Version,
		"$PKG_ARCH", arch,
	)
	return r.Replace(s)
}

// dest resolves the destination of a source, defaulting to the last URL
// path segment.
func (s *FormulaSource) dest() string {
	if s.Dest != "" {
		return s.Dest
	}
	segs := strings.Split(s.URL, "/")
	if last := segs[len(segs)-1]; last != "" {
		return last
	}
	return "download"
}

// wantsExtract reports whether the source should be unpacked after the
// fetch. Default is true.
func (s *FormulaSource) wantsExtract() bool {
	return s.Extract == nil || *s.Extract
}

// validateSourceDest refuses absolute destinations and destinations
// that escape the sources directory.
func validateSourceDest(dest string) error {
	if path.IsAbs(dest) {
		return fmt.Errorf("source dest %q is absolute: %w", dest, ErrInvalidInput)
	}
	clean := path.Clean(dest)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("source dest %q escapes the sources directory: %w", dest, ErrInvalidInput)
	}
	return nil
}
