package livepatch

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrActive is returned by Activate when the patch is already applied.
	ErrActive = errors.New("patch is already active")

	// ErrNotActive is returned by Deactivate when there is nothing to
	// revert.
	ErrNotActive = errors.New("patch is not active")
)

// AddressResolver turns a routine's name into its address.
type AddressResolver interface {
	Resolve(name string) (uintptr, error)
}

// Patcher applies and reverts one patch to one routine.
type Patcher struct {
	symbol   string
	resolver AddressResolver
	builder  Builder
	sync     *Synchronizer
	mem      Memory
	log      *zap.Logger
	cfg      Config
	mapping  AliasMapping

	mu     sync.Mutex
	record *Record
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithResolver sets how the routine is found. The default is
// NewResolver().
func WithResolver(r AddressResolver) Option {
	return func(p *Patcher) { p.resolver = r }
}

// WithConfig sets the configuration the default builder and protector are
// made from. The default is DefaultConfig().
func WithConfig(cfg Config) Option {
	return func(p *Patcher) { p.cfg = cfg }
}

// WithAliasMapping sets the mapping written through by the alias
// strategy.
func WithAliasMapping(m AliasMapping) Option {
	return func(p *Patcher) { p.mapping = m }
}

// WithBuilder sets the builder. The default comes from the configuration.
func WithBuilder(b Builder) Option {
	return func(p *Patcher) { p.builder = b }
}

// WithSynchronizer sets the synchronizer. The default writes process
// memory using the configuration's protection strategy.
func WithSynchronizer(s *Synchronizer) Option {
	return func(p *Patcher) { p.sync = s }
}

// WithPatchMemory sets the memory the builder reads. It should be the
// memory the synchronizer writes.
func WithPatchMemory(mem Memory) Option {
	return func(p *Patcher) { p.mem = mem }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Patcher) { p.log = log }
}

// New returns a Patcher for the routine called symbol.
func New(symbol string, opts ...Option) (*Patcher, error) {
	p := &Patcher{
		symbol: symbol,
		mem:    ProcessMemory{},
		log:    zap.NewNop(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.resolver == nil {
		p.resolver = NewResolver()
	}
	if p.builder == nil {
		b, err := p.cfg.Builder()
		if err != nil {
			return nil, err
		}
		p.builder = b
	}
	if p.sync == nil {
		segments, _ := p.resolver.(SegmentResolver)
		protector, err := p.cfg.Protector(segments, p.mapping)
		if err != nil {
			return nil, err
		}
		p.sync = NewSynchronizer(protector, WithMemory(p.mem), WithSyncLogger(p.log))
	}

	return p, nil
}

// Activate finds the routine, builds the patch and applies it. On error
// the routine is left unpatched.
func (p *Patcher) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record != nil {
		return ErrActive
	}

	addr, err := p.resolver.Resolve(p.symbol)
	if err != nil {
		return fmt.Errorf("could not find address of %s: %w", p.symbol, err)
	}
	p.log.Info("resolved target", zap.String("symbol", p.symbol), zap.String("addr", fmt.Sprintf("0x%x", addr)))

	record, err := p.builder.Build(p.mem, addr)
	if err != nil {
		return fmt.Errorf("could not build patch for %s: %w", p.symbol, err)
	}
	p.log.Info("built patch", zap.Stringer("record", record))
	p.log.Debug("patch find", zap.String("dump", HexDump(record.Addr(), record.Original())))
	p.log.Debug("patch repl", zap.String("dump", HexDump(record.Addr(), record.Replacement())))

	if err := p.sync.Apply(record.Addr(), record.Replacement()); err != nil {
		return fmt.Errorf("could not patch %s: %w", p.symbol, err)
	}

	p.record = record
	return nil
}

// Deactivate writes the original bytes back. If that fails the routine
// stays patched and may be deactivated again later.
func (p *Patcher) Deactivate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record == nil {
		return ErrNotActive
	}

	p.log.Info("reverting patch", zap.String("symbol", p.symbol))
	revert := p.record.Reverse()
	if err := p.sync.Apply(revert.Addr(), revert.Replacement()); err != nil {
		p.log.Error("could not revert the patch", zap.String("symbol", p.symbol), zap.Error(err))
		return fmt.Errorf("could not revert the patch in %s: %w", p.symbol, err)
	}

	p.record = nil
	return nil
}

// Record returns the active patch, or nil.
func (p *Patcher) Record() *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record
}
