package livepatch

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrAnchorNotFound means the anchor instruction was not found within
	// the anchor window.
	ErrAnchorNotFound = errors.New("anchor not found")

	// ErrBranchNotFound means the conditional branch was not found within
	// the branch window following the anchor.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrOutOfRange means the branch target cannot be encoded in the
	// replacement instruction.
	ErrOutOfRange = errors.New("branch target out of range")
)

// Builder locates a patch site inside a function body and describes the
// change without writing anything.
type Builder interface {
	Build(mem Memory, base uintptr) (*Record, error)
}

// BuildError reports why a patch could not be built for the function at
// Base.
type BuildError struct {
	Base uintptr
	Arch string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s patch for function at 0x%x: %v", e.Arch, e.Base, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// NewBuilder returns the builder for arch ("amd64" or "arm64"). Zero
// windows in cfg take the architecture's defaults.
func NewBuilder(arch string, cfg Config) (Builder, error) {
	switch arch {
	case "amd64":
		b := NewX86Builder()
		if cfg.AnchorWindow > 0 {
			b.AnchorWindow = cfg.AnchorWindow
		}
		if cfg.BranchWindow > 0 {
			b.BranchWindow = cfg.BranchWindow
		}
		return b, nil
	case "arm64":
		b := NewARM64Builder()
		if cfg.AnchorWindow > 0 {
			b.AnchorWindow = cfg.AnchorWindow
		}
		if cfg.BranchWindow > 0 {
			b.BranchWindow = cfg.BranchWindow
		}
		if cfg.AnchorWord != 0 {
			b.AnchorWord = cfg.AnchorWord
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

// readWindow reads up to size bytes at base. Hitting the end of readable
// memory only shortens the window, and an empty window has no anchor.
func readWindow(mem Memory, base uintptr, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := mem.ReadAt(buf, base)
	switch {
	case n == 0 && errors.Is(err, io.EOF):
		return nil, ErrAnchorNotFound
	case n == 0 && err != nil:
		return nil, err
	}
	return buf[:n], nil
}
