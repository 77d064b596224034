package tooling

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PatchCommand is one corrective action on a produced artifact,
// serialized as a shell command on standard output.
type PatchCommand struct {
	// Args is the command argv.
	Args []string
	// File is the artifact the command targets.
	File string
	// Dep is the package the action links against, nil for strip.
	Dep *InstalledPackage
}

// InferredDep records one resolved runtime dependency of the produced
// package: the link name, the provider and the provider-relative path
// the link directory will point at.
type InferredDep struct {
	Name    string
	RelPath string
	Pkg     *InstalledPackage
}

// ValidationResult is the outcome of scanning one package's artifacts.
type ValidationResult struct {
	Commands []PatchCommand
	Deps     []InferredDep
	// Errors collects artifacts the validator could not resolve.
	// They abort patch emission but not metadata generation.
	Errors []error
}

// linkPath is where the built package's link directory will expose a
// dependency inside the dist tree. The dist dir here is the compile-time
// constant, not the runtime override.
func linkPath(pkg *FormulaPackage, arch, name string) string {
	return filepath.Join("/", DistDirName, arch, pkg.Name, pkg.Version, "link", name)
}

// ValidatePackage walks the populated data directory of one package,
// classifies every file and produces the patch commands plus the
// inferred dependency set. The walk is sorted, so identical inputs
// produce byte-identical command streams.
func ValidatePackage(dataDir string, pkg *FormulaPackage, arch string, idx *PkgIndex) (*ValidationResult, error) {
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		// nothing was installed, nothing to patch
		return &ValidationResult{}, nil
	}

	var files []string
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dataDir, err)
	}
	sort.Strings(files)

	res := &ValidationResult{}
	seen := make(map[string]bool)

	addDep := func(name, relPath string, provider *InstalledPackage) {
		if seen[name] {
			return
		}
		seen[name] = true
		res.Deps = append(res.Deps, InferredDep{Name: name, RelPath: relPath, Pkg: provider})
	}

	for _, file := range files {
		info, isELF, err := readELF(file)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}

		if isELF {
			if pkg.WantsStrip() {
				res.Commands = append(res.Commands, PatchCommand{
					Args: []string{"strip", "--strip-unneeded", file},
					File: file,
				})
			}

			if info.Interpreter != "" {
				name := filepath.Base(info.Interpreter)
				relPath, provider, ok := idx.FindFile(name)
				if !ok {
					res.Errors = append(res.Errors,
						fmt.Errorf("interpreter %s of %s resolves to no installed package: %w", name, file, ErrValidation))
				} else {
					addDep(name, relPath, provider)
					res.Commands = append(res.Commands, PatchCommand{
						Args: []string{"patchelf", "--set-interpreter", linkPath(pkg, arch, name), file},
						File: file,
						Dep:  provider,
					})
				}
			}

			for _, soname := range info.Needed {
				relPath, provider, ok := idx.FindFile(soname)
				if !ok {
					res.Errors = append(res.Errors,
						fmt.Errorf("shared object %s needed by %s resolves to no installed package: %w", soname, file, ErrValidation))
					continue
				}
				addDep(soname, relPath, provider)
				res.Commands = append(res.Commands, PatchCommand{
					Args: []string{"patchelf", "--replace-needed", soname, linkPath(pkg, arch, soname), file},
					File: file,
					Dep:  provider,
				})
			}
			continue
		}

		interp, err := scriptInterpreter(file)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("reading %s: %w", file, err))
			continue
		}
		if interp == "" {
			continue
		}
		name := filepath.Base(interp)
		relPath, provider, ok := idx.FindFile(name)
		if !ok {
			// a shebang pointing outside the dependency set is left alone
			debugf("script %s interpreter %s not in dependency set\n", file, interp)
			continue
		}
		addDep(name, relPath, provider)
		res.Commands = append(res.Commands, PatchCommand{
			Args: []string{"sed", "-i", fmt.Sprintf("1s|^#!.*|#!%s|", linkPath(pkg, arch, name)), file},
			File: file,
			Dep:  provider,
		})
	}

	return res, nil
}

// Emit serializes the patch commands as executable shell lines. Only
// the command stream goes to w; diagnostics stay on stderr.
func (r *ValidationResult) Emit(w io.Writer) error {
	for _, cmd := range r.Commands {
		quoted := make([]string, len(cmd.Args))
		for i, arg := range cmd.Args {
			quoted[i] = shellQuote(arg)
		}
		if _, err := fmt.Fprintln(w, strings.Join(quoted, " ")); err != nil {
			return fmt.Errorf("emitting patch commands: %w", err)
		}
	}
	return nil
}

// shellQuote quotes an argument for the emitted command stream when it
// needs it.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// reportValidation prints the unresolved artifacts to stderr and
// reports whether emission may proceed.
func (r *ValidationResult) reportValidation() bool {
	for _, err := range r.Errors {
		errorf("validation: %v\n", err)
	}
	return len(r.Errors) == 0
}
