package livepatch

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/xyproto/env/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Protection strategies.
const (
	// StrategyPages changes the protection of the patched pages in place.
	StrategyPages = "pages"

	// StrategyAlias writes through a second mapping of the code.
	StrategyAlias = "alias"
)

// Config holds the tunables of a patch. The scan windows are empirical:
// they fit the targets this package was written against and must be
// re-tuned when a target's layout changes.
type Config struct {
	// Arch selects the builder: "amd64" or "arm64".
	Arch string

	// AnchorWindow and BranchWindow override the builder's scan windows
	// when non-zero. They count bytes on amd64 and instructions on arm64.
	AnchorWindow int
	BranchWindow int

	// AnchorWord overrides the arm64 anchor instruction when non-zero.
	AnchorWord uint32

	// Strategy is StrategyPages or StrategyAlias.
	Strategy string

	// SegmentStart and SegmentEnd name the symbols bounding the code the
	// alias strategy may write. When both are empty the whole alias
	// mapping may be written.
	SegmentStart string
	SegmentEnd   string

	// LogLevel is a zap level name.
	LogLevel string
}

// DefaultConfig returns the configuration for the current architecture.
func DefaultConfig() Config {
	return Config{
		Arch:     runtime.GOARCH,
		Strategy: StrategyPages,
		LogLevel: "info",
	}
}

// ConfigFromEnv returns DefaultConfig overridden by LIVEPATCH_ARCH,
// LIVEPATCH_ANCHOR_WINDOW, LIVEPATCH_BRANCH_WINDOW, LIVEPATCH_ANCHOR_WORD,
// LIVEPATCH_STRATEGY, LIVEPATCH_SEGMENT_START, LIVEPATCH_SEGMENT_END and
// LIVEPATCH_LOG_LEVEL. The environment is read
// again on every call.
func ConfigFromEnv() (Config, error) {
	env.Load()

	c := DefaultConfig()
	c.Arch = env.Str("LIVEPATCH_ARCH", c.Arch)
	c.AnchorWindow = env.Int("LIVEPATCH_ANCHOR_WINDOW", c.AnchorWindow)
	c.BranchWindow = env.Int("LIVEPATCH_BRANCH_WINDOW", c.BranchWindow)
	c.Strategy = env.Str("LIVEPATCH_STRATEGY", c.Strategy)
	c.SegmentStart = env.Str("LIVEPATCH_SEGMENT_START", c.SegmentStart)
	c.SegmentEnd = env.Str("LIVEPATCH_SEGMENT_END", c.SegmentEnd)
	c.LogLevel = env.Str("LIVEPATCH_LOG_LEVEL", c.LogLevel)

	if word := env.Str("LIVEPATCH_ANCHOR_WORD"); word != "" {
		v, err := strconv.ParseUint(word, 0, 32)
		if err != nil {
			return c, fmt.Errorf("LIVEPATCH_ANCHOR_WORD: %w", err)
		}
		c.AnchorWord = uint32(v)
	}

	return c, c.Validate()
}

// Validate checks the values that have a fixed set of choices.
func (c Config) Validate() error {
	switch c.Arch {
	case "amd64", "arm64":
	default:
		return fmt.Errorf("unsupported architecture %q", c.Arch)
	}
	switch c.Strategy {
	case StrategyPages, StrategyAlias:
	default:
		return fmt.Errorf("unknown protection strategy %q", c.Strategy)
	}
	if c.AnchorWindow < 0 || c.BranchWindow < 0 {
		return fmt.Errorf("negative scan window (anchor %d, branch %d)", c.AnchorWindow, c.BranchWindow)
	}
	if (c.SegmentStart == "") != (c.SegmentEnd == "") {
		return fmt.Errorf("segment needs both a start and an end symbol (got %q, %q)", c.SegmentStart, c.SegmentEnd)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Builder returns the patch builder c describes.
func (c Config) Builder() (Builder, error) {
	return NewBuilder(c.Arch, c)
}

// AliasMapping is a second, non-executable mapping of code that can be
// made writable. DualMapping is one.
type AliasMapping interface {
	SegmentMapper
	Segment() Segment
}

// Protector returns the Protector for c.Strategy. The alias strategy
// writes through mapping. When c names a segment, segments resolves it and
// only that part of the mapping may be written.
func (c Config) Protector(segments SegmentResolver, mapping AliasMapping) (Protector, error) {
	switch c.Strategy {
	case StrategyPages:
		return NewPageProtector(), nil
	case StrategyAlias:
	default:
		return nil, fmt.Errorf("unknown protection strategy %q", c.Strategy)
	}

	if mapping == nil {
		return nil, errors.New("the alias strategy needs an alias mapping")
	}
	seg := mapping.Segment()
	if c.SegmentStart == "" && c.SegmentEnd == "" {
		return &AliasProtector{Segment: seg, Mapper: mapping}, nil
	}

	if segments == nil {
		return nil, fmt.Errorf("no resolver for segment %s-%s", c.SegmentStart, c.SegmentEnd)
	}
	text, err := segments.Segment(c.SegmentStart, c.SegmentEnd)
	if err != nil {
		return nil, err
	}
	if !seg.Text.Contains(text) {
		return nil, fmt.Errorf("segment %v lies outside the alias mapping %v", text, seg.Text)
	}
	return &AliasProtector{
		Segment: Segment{Text: text, Alias: seg.Translate(text.Start)},
		Mapper:  mapping,
	}, nil
}

// Logger returns a console logger at c.LogLevel.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	return cfg.Build()
}
