package tooling

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// The architecture string used for architecture-independent packages.
const AnyArch = "any"

// The dist directory name. Relative so it can be joined under any root;
// emitted link paths always use it joined under "/".
const DistDirName = "acacia"

// File extension for object files in the store.
const ObjectFileExtension = ".aobj"

// A build that is tearing down mounts must not be interrupted mid-walk.
// 1 while teardown runs, 0 otherwise.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	Debug   bool
	Verbose bool

	HomeDir      string // default ~/.acacia, the object store lives below it
	DownloadsDir string // <home>/cache/downloads
	WorkDir      string // build working directory
	DistDir      string // installed packages root, default /acacia
	PackageIndex string // packages.toml path

	arch    = runtime.GOARCH
	version = "dev" // overridden at build time
)

// color helpers
var (
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

// debugf writes a debug line to stderr when Debug is set (ACACIA_DEBUG=1
// or --debug).
// Stdout is reserved for the patch command stream.
func debugf(format string, a ...interface{}) {
	if Debug {
		fmt.Fprintf(os.Stderr, format, a...)
	}
}

func infof(format string, a ...interface{}) {
	fmt.Fprint(os.Stderr, colArrow.Sprint("-> "))
	fmt.Fprint(os.Stderr, colSuccess.Sprintf(format, a...))
}

func warnf(format string, a ...interface{}) {
	fmt.Fprint(os.Stderr, colWarn.Sprintf(format, a...))
}

func errorf(format string, a ...interface{}) {
	fmt.Fprint(os.Stderr, colError.Sprintf(format, a...))
}
