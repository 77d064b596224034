package tooling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"
)

const usage = `acacia tooling

Usage:
  tooling build <formula.toml> [flags]
  tooling odb put <file> [flags]
  tooling odb get <oid>
  tooling odb deps <oid>
  tooling odb pull <oid> [flags]
  tooling tree create <dir>
  tooling tree deploy <oid> <dir>
  tooling index create <dir> <out-file>
  tooling index apply <index-file> <dir>
`

// Main is the entry point behind the thin main package.
func Main(args []string) int {
	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		errorf("reading config: %v\n", err)
		return ExitFailure
	}
	initConfig(cfg)

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return ExitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	InstallSignalHandler(cancel)

	var runErr error
	switch args[0] {
	case "build":
		runErr = cmdBuild(ctx, args[1:])
	case "odb":
		runErr = cmdODB(ctx, cfg, args[1:])
	case "tree":
		runErr = cmdTree(args[1:])
	case "index":
		runErr = cmdIndex(args[1:])
	case "version":
		fmt.Fprintf(os.Stderr, "tooling %s (%s)\n", version, arch)
	default:
		fmt.Fprint(os.Stderr, usage)
		return ExitUsage
	}

	if runErr != nil {
		errorf("%v\n", runErr)
		return ExitCode(runErr)
	}
	return ExitOK
}

func cmdBuild(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("build", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	toolchain := flags.String("toolchain", filepath.Join(DistDir, "toolchain"), "toolchain root, <dir>/bin goes on PATH")
	archFlag := flags.String("arch", "", "override the inferred architecture")
	pkgIndex := flags.String("package-index", PackageIndex, "installed package registry")
	distDir := flags.String("dist-dir", DistDir, "installed packages root")
	workDir := flags.String("workdir", WorkDir, "build working directory")
	overlayDirs := flags.StringArray("overlay-dirs", nil, "extra overlay lower directories")
	compression := flags.String("compression", "xz", "object compression for the package tree")
	maintainer := flags.String("maintainer", os.Getenv("USER"), "package maintainer")
	debug := flags.Bool("debug", Debug, "debug output")

	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("build needs exactly one formula path: %w", ErrInvalidInput)
	}
	Debug = *debug

	comp, err := ParseCompression(*compression)
	if err != nil {
		return err
	}

	opts := BuildOptions{
		FormulaPath:  flags.Arg(0),
		Toolchain:    *toolchain,
		Arch:         *archFlag,
		PackageIndex: *pkgIndex,
		DistDir:      *distDir,
		WorkDir:      *workDir,
		OverlayDirs:  *overlayDirs,
		Compression:  comp,
		Maintainer:   *maintainer,
	}
	return runBuildPipeline(ctx, opts, KernelMounter{}, os.Stdout)
}

// runBuildPipeline drives a full build: stages, validation, command
// emission on out and packaging. Standard output carries nothing but
// the patch command stream.
func runBuildPipeline(ctx context.Context, opts BuildOptions, mounter Mounter, out *os.File) error {
	b, err := NewBuild(ctx, opts, mounter)
	if err != nil {
		return err
	}
	defer b.Teardown()

	if err := b.Run(); err != nil {
		return err
	}

	db, err := OpenObjectDB(HomeDir)
	if err != nil {
		return err
	}

	var firstErr error
	for _, pkg := range b.packages() {
		res, err := ValidatePackage(b.DataDir(pkg.Name), &pkg.FormulaPackage, b.Arch, b.Index)
		if err != nil {
			return err
		}

		if res.reportValidation() {
			if err := res.Emit(out); err != nil {
				return err
			}
		}

		if _, err := b.PackagePackage(pkg, res, db); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			errorf("packaging %s: %v\n", pkg.Name, err)
		}
	}
	return firstErr
}

func cmdODB(ctx context.Context, cfg *Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("odb needs a subcommand: %w", ErrInvalidInput)
	}

	db, err := OpenObjectDB(HomeDir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "put":
		flags := flag.NewFlagSet("odb put", flag.ContinueOnError)
		flags.SetOutput(os.Stderr)
		compression := flags.String("compression", "xz", "object compression")
		objType := flags.String("type", "unknown", "object type (unknown, package-list, formula, package, index)")
		force := flags.Bool("force", false, "replace existing object bytes")
		if err := flags.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if flags.NArg() != 1 {
			return fmt.Errorf("odb put needs exactly one file: %w", ErrInvalidInput)
		}
		comp, err := ParseCompression(*compression)
		if err != nil {
			return err
		}
		typ, err := parseObjectType(*objType)
		if err != nil {
			return err
		}
		oid, err := db.Put(flags.Arg(0), ClassAcacia, typ, comp, nil, *force)
		if err != nil {
			return err
		}
		fmt.Println(oid)
		return nil

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("odb get needs exactly one object id: %w", ErrInvalidInput)
		}
		oid, err := ParseObjectID(args[1])
		if err != nil {
			return err
		}
		payload, err := db.Get(oid)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(payload)
		return err

	case "deps":
		if len(args) != 2 {
			return fmt.Errorf("odb deps needs exactly one object id: %w", ErrInvalidInput)
		}
		oid, err := ParseObjectID(args[1])
		if err != nil {
			return err
		}
		deps, err := db.Dependencies(oid)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			fmt.Printf("%s %s\n", dep.OID, dep.Path)
		}
		return nil

	case "pull":
		flags := flag.NewFlagSet("odb pull", flag.ContinueOnError)
		flags.SetOutput(os.Stderr)
		from := flags.String("from", "", "peer store directory (default: the configured bucket)")
		recursive := flags.Bool("recursive", false, "pull transitive dependencies")
		if err := flags.Parse(args[1:]); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if flags.NArg() != 1 {
			return fmt.Errorf("odb pull needs exactly one object id: %w", ErrInvalidInput)
		}
		oid, err := ParseObjectID(flags.Arg(0))
		if err != nil {
			return err
		}

		var peer PeerStore
		if *from != "" {
			peerDB, err := OpenObjectDB(*from)
			if err != nil {
				return err
			}
			peer = &FSPeer{DB: peerDB}
		} else {
			peer, err = NewS3Peer(ctx, cfg)
			if err != nil {
				return err
			}
		}

		fetched, err := db.Pull(ctx, peer, oid, *recursive)
		if err != nil {
			return err
		}
		infof("pulled %d object(s)\n", len(fetched))
		return nil

	default:
		return fmt.Errorf("unknown odb subcommand %q: %w", args[0], ErrInvalidInput)
	}
}

func parseObjectType(s string) (ObjectType, error) {
	switch s {
	case "unknown":
		return TypeUnknown, nil
	case "package-list":
		return TypePackageList, nil
	case "formula":
		return TypeFormula, nil
	case "package":
		return TypePackage, nil
	case "index":
		return TypeIndex, nil
	default:
		return 0, fmt.Errorf("unknown object type %q: %w", s, ErrInvalidInput)
	}
}

func cmdTree(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("tree needs a subcommand: %w", ErrInvalidInput)
	}
	db, err := OpenObjectDB(HomeDir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "create":
		if len(args) != 2 {
			return fmt.Errorf("tree create needs exactly one directory: %w", ErrInvalidInput)
		}
		oid, err := IndexTree(args[1], db, CompressionXz)
		if err != nil {
			return err
		}
		fmt.Println(oid)
		return nil

	case "deploy":
		if len(args) != 3 {
			return fmt.Errorf("tree deploy needs an object id and a directory: %w", ErrInvalidInput)
		}
		oid, err := ParseObjectID(args[1])
		if err != nil {
			return err
		}
		tree, err := LoadTree(db, oid)
		if err != nil {
			return err
		}
		return tree.Materialize(args[2], db)

	default:
		return fmt.Errorf("unknown tree subcommand %q: %w", args[0], ErrInvalidInput)
	}
}

func cmdIndex(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("index needs a subcommand: %w", ErrInvalidInput)
	}
	db, err := OpenObjectDB(HomeDir)
	if err != nil {
		return err
	}

	switch args[0] {
	case "create":
		if len(args) != 3 {
			return fmt.Errorf("index create needs a directory and an output file: %w", ErrInvalidInput)
		}
		ix, err := IndexDirectory(args[1], db, CompressionXz)
		if err != nil {
			return err
		}
		f, err := os.Create(args[2])
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[2], err)
		}
		defer f.Close()
		return ix.Encode(f)

	case "apply":
		if len(args) != 3 {
			return fmt.Errorf("index apply needs an index file and a directory: %w", ErrInvalidInput)
		}
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[1], err)
		}
		defer f.Close()
		ix, err := DecodeIndex(f)
		if err != nil {
			return err
		}
		return ix.Apply(args[2], db)

	default:
		return fmt.Errorf("unknown index subcommand %q: %w", args[0], ErrInvalidInput)
	}
}
