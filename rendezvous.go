package livepatch

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrWorkerStart is returned when a worker could not be started or pinned
// to its unit.
var ErrWorkerStart = errors.New("unable to start worker")

// WorkerState is the position of one worker in the rendezvous.
type WorkerState int

const (
	StateIdle WorkerState = iota
	StateWaiting
	StateLocked
	StatePatching
	StateUnlocked
	StateExited
)

var workerStateNames = [...]string{
	StateIdle:     "idle",
	StateWaiting:  "waiting",
	StateLocked:   "locked",
	StatePatching: "patching",
	StateUnlocked: "unlocked",
	StateExited:   "exited",
}

func (s WorkerState) String() string {
	if int(s) < len(workerStateNames) {
		return workerStateNames[s]
	}
	return fmt.Sprintf("WorkerState(%d)", int(s))
}

// Event is a state change of the worker on Unit.
type Event struct {
	Unit   int
	Leader bool
	State  WorkerState

	// Polls is the number of times the worker yielded while waiting to
	// start.
	Polls int
}

// UnitSource enumerates the execution units that must take part in a
// rendezvous.
type UnitSource interface {
	Units() ([]int, error)
}

// Pinner gives a worker exclusive use of a unit. Pin is called from the
// worker's goroutine and the returned function undoes it from the same
// goroutine.
type Pinner interface {
	Pin(unit int) (unpin func(), err error)
}

// Synchronizer overwrites code while every unit is parked in a worker it
// controls. Each call to Apply runs one independent rendezvous.
type Synchronizer struct {
	protector Protector
	mem       Memory
	units     UnitSource
	pinner    Pinner
	yield     func()
	observe   func(Event)
	log       *zap.Logger
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithMemory sets the memory written by the leader. The default is
// ProcessMemory.
func WithMemory(mem Memory) SyncOption {
	return func(s *Synchronizer) { s.mem = mem }
}

// WithUnits sets where the units come from. The default is every CPU the
// process may run on.
func WithUnits(units UnitSource) SyncOption {
	return func(s *Synchronizer) { s.units = units }
}

// WithPinner sets how workers are bound to units.
func WithPinner(p Pinner) SyncOption {
	return func(s *Synchronizer) { s.pinner = p }
}

// WithYield sets what a worker does between polls while it waits to
// start. The default is runtime.Gosched.
func WithYield(yield func()) SyncOption {
	return func(s *Synchronizer) { s.yield = yield }
}

// WithObserver registers fn to receive every worker state change. A
// worker reports StateLocked before its lock becomes visible to the
// leader. fn is called concurrently from all workers, including from the
// leader while the other units are parked, so it must not block.
func WithObserver(fn func(Event)) SyncOption {
	return func(s *Synchronizer) { s.observe = fn }
}

// WithSyncLogger sets the logger.
func WithSyncLogger(log *zap.Logger) SyncOption {
	return func(s *Synchronizer) { s.log = log }
}

// NewSynchronizer returns a Synchronizer that uses protector around each
// write.
func NewSynchronizer(protector Protector, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		protector: protector,
		mem:       ProcessMemory{},
		units:     OnlineUnits{},
		pinner:    CPUPinner{},
		yield:     runtime.Gosched,
		observe:   func(Event) {},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rendezvous is the shared state of one Apply call. Each locked flag has
// a single writer, its worker. proceed is written by the orchestrator
// (set) and the leader (clear); abort only by the orchestrator.
type rendezvous struct {
	units   []int
	locked  []atomic.Bool
	proceed atomic.Bool
	abort   atomic.Bool
	leader  int

	addr  uintptr
	value []byte
}

func newRendezvous(units []int, addr uintptr, value []byte) *rendezvous {
	return &rendezvous{
		units:  units,
		locked: make([]atomic.Bool, len(units)),
		// The first unit enumerated patches.
		leader: 0,
		addr:   addr,
		value:  value,
	}
}

// allLocked reports whether every unit has raised its lock flag.
func (rv *rendezvous) allLocked() bool {
	for i := range rv.locked {
		if !rv.locked[i].Load() {
			return false
		}
	}
	return true
}

// Apply writes value at addr once every unit is parked. If any worker
// cannot start, nothing is written and an ErrWorkerStart error is
// returned. If the memory cannot be made writable, nothing is written,
// every unit is still released and an ErrProtect error is returned.
//
// There is no timeout: a unit that never schedules its worker blocks
// Apply forever.
func (s *Synchronizer) Apply(addr uintptr, value []byte) error {
	if len(value) == 0 || len(value) > MaxPatchSize {
		return fmt.Errorf("invalid patch size %d", len(value))
	}

	units, err := s.units.Units()
	if err != nil {
		return fmt.Errorf("unable to enumerate units: %w", err)
	}
	if len(units) == 0 {
		return errors.New("no units online")
	}
	for _, unit := range units {
		s.log.Debug("unit is online", zap.Int("unit", unit))
	}

	rv := newRendezvous(units, addr, value)

	var g errgroup.Group
	for slot := range units {
		started := make(chan error, 1)
		g.Go(func() error {
			return s.work(rv, slot, started)
		})

		if err := <-started; err != nil {
			s.log.Error("unable to start worker", zap.Int("unit", units[slot]), zap.Error(err))

			// Release the workers that already started.
			rv.abort.Store(true)
			g.Wait()
			return fmt.Errorf("%w on unit %d: %w", ErrWorkerStart, units[slot], err)
		}
	}

	rv.proceed.Store(true)

	return g.Wait()
}

// work is the body of one worker. started receives the result of pinning
// before the worker starts polling.
func (s *Synchronizer) work(rv *rendezvous, slot int, started chan<- error) error {
	unit := rv.units[slot]
	leader := slot == rv.leader
	emit := func(state WorkerState, polls int) {
		s.observe(Event{Unit: unit, Leader: leader, State: state, Polls: polls})
	}

	unpin, err := s.pinner.Pin(unit)
	started <- err
	if err != nil {
		return err
	}
	defer unpin()

	s.log.Debug("worker running", zap.Int("unit", unit), zap.Bool("leader", leader))
	emit(StateWaiting, 0)

	polls := 0
	for !rv.proceed.Load() {
		if rv.abort.Load() {
			emit(StateExited, polls)
			s.log.Debug("worker aborted", zap.Int("unit", unit))
			return nil
		}
		s.yield()
		polls++
	}

	// From here on the worker must not yield: the unit counts as parked.
	emit(StateLocked, polls)
	rv.locked[slot].Store(true)

	var patchErr error
	for {
		if leader && rv.proceed.Load() && rv.allLocked() {
			emit(StatePatching, polls)
			patchErr = s.patch(rv)
			rv.proceed.Store(false)
		}

		if !rv.proceed.Load() {
			break
		}
	}

	rv.locked[slot].Store(false)
	emit(StateUnlocked, polls)
	emit(StateExited, polls)
	s.log.Debug("worker exited", zap.Int("unit", unit))

	return patchErr
}

// patch is the leader's write section. The caller clears proceed
// afterwards whatever the outcome.
func (s *Synchronizer) patch(rv *rendezvous) error {
	size := len(rv.value)
	s.log.Info("all units locked, patching",
		zap.Int("units", len(rv.units)),
		zap.String("addr", fmt.Sprintf("0x%x", rv.addr)),
		zap.Int("size", size),
	)

	writeAddr, err := s.protector.MakeWritable(rv.addr, size)
	if err != nil {
		s.log.Error("could not make memory writable", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrProtect, err)
	}

	s.dump("before", rv.addr, size)

	writeBarrier()
	err = s.mem.WriteAt(rv.value, writeAddr)
	writeBarrier()
	s.mem.Flush(rv.addr, size)

	s.dump("after", rv.addr, size)

	if rerr := s.protector.RestoreProtection(rv.addr, size); rerr != nil {
		s.log.Warn("could not restore memory protection", zap.Error(rerr))
	}

	return err
}

func (s *Synchronizer) dump(label string, addr uintptr, size int) {
	if ce := s.log.Check(zap.DebugLevel, "memory "+label+" write"); ce != nil {
		buf := make([]byte, size)
		n, _ := s.mem.ReadAt(buf, addr)
		ce.Write(zap.String("dump", HexDump(addr, buf[:n])))
	}
}

var fence atomic.Uint32

// writeBarrier orders the raw write against everything around it. Atomic
// read-modify-write operations are full barriers in the Go memory model.
func writeBarrier() {
	fence.Inc()
}
