package tooling

import (
	"debug/elf"
	"fmt"
	"io"
	"strings"
)

// elfInfo is what the validator needs from an ELF file: the dynamic
// interpreter and the needed shared objects.
type elfInfo struct {
	Interpreter string
	Needed      []string
}

// readELF inspects path. ok is false when the file is not ELF at all;
// a file that is ELF but unreadable is an error.
func readELF(path string) (*elfInfo, bool, error) {
	f, err := elf.Open(path)
	if err != nil {
		if _, formatErr := err.(*elf.FormatError); formatErr || strings.Contains(err.Error(), "bad magic") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info := &elfInfo{}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		raw := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(io.NewSectionReader(prog, 0, int64(prog.Filesz)), raw); err != nil {
			return nil, true, fmt.Errorf("reading interpreter of %s: %w: %v", path, ErrValidation, err)
		}
		info.Interpreter = strings.TrimRight(string(raw), "\x00")
	}

	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil && err != io.EOF {
		// statically linked objects have no dynamic section
		debugf("no dynamic section in %s: %v\n", path, err)
	}
	info.Needed = needed

	return info, true, nil
}
