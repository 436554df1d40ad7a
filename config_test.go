package livepatch

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LIVEPATCH_ARCH", "arm64")
	t.Setenv("LIVEPATCH_ANCHOR_WINDOW", "64")
	t.Setenv("LIVEPATCH_BRANCH_WINDOW", "4")
	t.Setenv("LIVEPATCH_ANCHOR_WORD", "0x7101001f")
	t.Setenv("LIVEPATCH_STRATEGY", "alias")
	t.Setenv("LIVEPATCH_LOG_LEVEL", "debug")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{
		Arch:         "arm64",
		AnchorWindow: 64,
		BranchWindow: 4,
		AnchorWord:   0x7101001f,
		Strategy:     StrategyAlias,
		LogLevel:     "debug",
	}, cfg)

	b, err := cfg.Builder()
	require.NoError(t, err)
	assert.Equal(t, &ARM64Builder{AnchorWord: 0x7101001f, AnchorWindow: 64, BranchWindow: 4}, b)

	log, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		assert.Error(t, err)
		return
	}
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromEnv_Reload(t *testing.T) {
	t.Setenv("LIVEPATCH_ARCH", "amd64")
	t.Setenv("LIVEPATCH_STRATEGY", StrategyPages)
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, StrategyPages, cfg.Strategy)

	t.Setenv("LIVEPATCH_STRATEGY", StrategyAlias)
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, StrategyAlias, cfg.Strategy)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]Config{
		"arch":     {Arch: "sparc", Strategy: StrategyPages, LogLevel: "info"},
		"strategy": {Arch: "amd64", Strategy: "poke", LogLevel: "info"},
		"window":   {Arch: "amd64", Strategy: StrategyPages, LogLevel: "info", AnchorWindow: -1},
		"level":    {Arch: "amd64", Strategy: StrategyPages, LogLevel: "loud"},
		"segment":  {Arch: "amd64", Strategy: StrategyAlias, LogLevel: "info", SegmentStart: "runtime.text"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("bad anchor word", func(t *testing.T) {
		t.Setenv("LIVEPATCH_ANCHOR_WORD", "cmp")
		_, err := ConfigFromEnv()
		assert.Error(t, err)
	})
}

func TestConfig_Protector(t *testing.T) {
	mapping := &fakeAliasMapping{seg: Segment{
		Text:  Range{Start: 0x400000, Len: 0x1000},
		Alias: 0x900000,
	}}
	symbols := NewResolver(StaticSymbols{
		"text":    0x400100,
		"etext":   0x400200,
		"outside": 0x401800,
	})

	t.Run("pages", func(t *testing.T) {
		cfg := DefaultConfig()
		prot, err := cfg.Protector(symbols, nil)
		require.NoError(t, err)
		assert.IsType(t, &PageProtector{}, prot)
	})

	t.Run("whole mapping", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strategy = StrategyAlias
		prot, err := cfg.Protector(symbols, mapping)
		require.NoError(t, err)
		require.IsType(t, &AliasProtector{}, prot)
		assert.Equal(t, mapping.seg, prot.(*AliasProtector).Segment)
	})

	t.Run("resolved segment", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strategy = StrategyAlias
		cfg.SegmentStart, cfg.SegmentEnd = "text", "etext"
		prot, err := cfg.Protector(symbols, mapping)
		require.NoError(t, err)
		require.IsType(t, &AliasProtector{}, prot)
		assert.Equal(t, Segment{Text: Range{Start: 0x400100, Len: 0x100}, Alias: 0x900100}, prot.(*AliasProtector).Segment)

		// Writes outside the resolved segment are refused.
		_, err = prot.MakeWritable(0x400080, 4)
		assert.Error(t, err)
		addr, err := prot.MakeWritable(0x400180, 4)
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x900180), addr)
	})

	t.Run("segment outside mapping", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strategy = StrategyAlias
		cfg.SegmentStart, cfg.SegmentEnd = "text", "outside"
		_, err := cfg.Protector(symbols, mapping)
		assert.Error(t, err)
	})

	t.Run("unresolved segment", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strategy = StrategyAlias
		cfg.SegmentStart, cfg.SegmentEnd = "text", "missing"
		_, err := cfg.Protector(&Resolver{tables: []SymbolTable{StaticSymbols{"text": 0x400100}}}, mapping)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = cfg.Protector(nil, mapping)
		assert.Error(t, err)
	})

	t.Run("no mapping", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strategy = StrategyAlias
		_, err := cfg.Protector(symbols, nil)
		assert.Error(t, err)
	})
}
