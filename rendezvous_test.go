package livepatch

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func applyWithin(t *testing.T, s *Synchronizer, addr uintptr, value []byte) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- s.Apply(addr, value)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		t.Fatal("rendezvous did not complete")
		return nil
	}
}

func TestSynchronizer_Apply(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("%d units", n), func(t *testing.T) {
			assert := assert.New(t)

			units := make(fixedUnits, n)
			for i := range units {
				units[i] = 10 + i
			}

			log := &eventLog{}
			mem := &hookMemory{BufferMemory: NewBufferMemory(testBase, make([]byte, 32)), log: log}
			prot := &nopProtector{}
			s := NewSynchronizer(prot,
				WithMemory(mem),
				WithUnits(units),
				WithPinner(testPinner{}),
				WithObserver(log.observe),
			)

			require.NoError(t, applyWithin(t, s, testBase+8, []byte{1, 2, 3, 4}))
			assert.Equal([]byte{1, 2, 3, 4}, mem.Data[8:12])
			assert.Equal([]string{"rw 0x400008 4", "ro 0x400008 4"}, prot.calls)

			assert.Equal(n, log.count(StateLocked))
			assert.Equal(n, log.count(StateUnlocked))
			assert.Equal(n, log.count(StateExited))
			assert.Equal(1, log.count(StatePatching))

			// Every unit is locked before the write starts and none is
			// released before it ends.
			begin, end := log.index("write-begin"), log.index("write-end")
			require.True(t, begin >= 0 && end > begin)
			for _, unit := range units {
				locked := log.index(fmt.Sprintf("%d:locked", unit))
				unlocked := log.index(fmt.Sprintf("%d:unlocked", unit))
				assert.Less(locked, begin, "unit %d", unit)
				assert.Greater(unlocked, end, "unit %d", unit)
			}

			// The first unit leads.
			for _, e := range log.events {
				assert.Equal(e.Unit == units[0], e.Leader)
				if e.State == StatePatching {
					assert.Equal(units[0], e.Unit)
				}
			}
		})
	}
}

func TestSynchronizer_WorkerStartFailure(t *testing.T) {
	assert := assert.New(t)

	boom := errors.New("cannot bind")
	log := &eventLog{}
	data := bytes.Repeat([]byte{0xcc}, 16)
	mem := NewBufferMemory(testBase, data)
	prot := &nopProtector{}
	s := NewSynchronizer(prot,
		WithMemory(mem),
		WithUnits(fixedUnits{0, 1, 2, 3}),
		WithPinner(testPinner{fail: map[int]error{2: boom}}),
		WithObserver(log.observe),
	)

	err := applyWithin(t, s, testBase, []byte{1, 2})
	assert.ErrorIs(err, ErrWorkerStart)
	assert.ErrorIs(err, boom)

	// Units 0 and 1 were waiting and left without locking. Unit 3 never
	// started.
	assert.Equal(2, log.count(StateWaiting))
	assert.Equal(2, log.count(StateExited))
	assert.Zero(log.count(StateLocked))
	assert.Zero(log.count(StatePatching))
	assert.Equal(-1, log.index("3:waiting"))

	assert.Empty(prot.calls)
	assert.Equal(bytes.Repeat([]byte{0xcc}, 16), data)
}

func TestSynchronizer_FirstWorkerFails(t *testing.T) {
	log := &eventLog{}
	s := NewSynchronizer(&nopProtector{},
		WithMemory(NewBufferMemory(testBase, make([]byte, 16))),
		WithUnits(fixedUnits{0, 1}),
		WithPinner(testPinner{fail: map[int]error{0: errors.New("offline")}}),
		WithObserver(log.observe),
	)

	err := applyWithin(t, s, testBase, []byte{1})
	assert.ErrorIs(t, err, ErrWorkerStart)
	assert.Empty(t, log.events)
}

func TestSynchronizer_ProtectFailure(t *testing.T) {
	assert := assert.New(t)

	boom := errors.New("no write access")
	log := &eventLog{}
	data := make([]byte, 16)
	prot := &nopProtector{writableErr: boom}
	s := NewSynchronizer(prot,
		WithMemory(NewBufferMemory(testBase, data)),
		WithUnits(fixedUnits{0, 1, 2}),
		WithPinner(testPinner{}),
		WithObserver(log.observe),
	)

	err := applyWithin(t, s, testBase, []byte{1, 2, 3})
	assert.ErrorIs(err, ErrProtect)
	assert.ErrorIs(err, boom)
	assert.Equal(make([]byte, 16), data)

	// Everyone was released anyway.
	assert.Equal(3, log.count(StateUnlocked))
	assert.Equal(3, log.count(StateExited))
	assert.Equal([]string{"rw 0x400000 3"}, prot.calls)
}

func TestSynchronizer_RestoreFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	data := make([]byte, 16)
	s := NewSynchronizer(&nopProtector{restoreErr: errors.New("still writable")},
		WithMemory(NewBufferMemory(testBase, data)),
		WithUnits(fixedUnits{0, 1}),
		WithPinner(testPinner{}),
		WithSyncLogger(zap.New(core)),
	)

	require.NoError(t, applyWithin(t, s, testBase+4, []byte{7, 7}))
	assert.Equal(t, []byte{7, 7}, data[4:6])
	assert.Equal(t, 1, logs.FilterMessage("could not restore memory protection").Len())
}

func TestSynchronizer_WriteFailure(t *testing.T) {
	mem := &readOnlyMemory{BufferMemory: NewBufferMemory(testBase, make([]byte, 16))}
	log := &eventLog{}
	s := NewSynchronizer(&nopProtector{},
		WithMemory(mem),
		WithUnits(fixedUnits{0, 1}),
		WithPinner(testPinner{}),
		WithObserver(log.observe),
	)

	assert.Error(t, applyWithin(t, s, testBase, []byte{1}))
	assert.Equal(t, 1, mem.writes)
	assert.Equal(t, 2, log.count(StateExited))
}

func TestSynchronizer_InvalidSize(t *testing.T) {
	s := NewSynchronizer(&nopProtector{}, WithUnits(fixedUnits{0}), WithPinner(testPinner{}))
	assert.Error(t, s.Apply(testBase, nil))
	assert.Error(t, s.Apply(testBase, make([]byte, MaxPatchSize+1)))
}

func TestSynchronizer_NoUnits(t *testing.T) {
	s := NewSynchronizer(&nopProtector{}, WithUnits(fixedUnits{}), WithPinner(testPinner{}))
	assert.Error(t, s.Apply(testBase, []byte{1}))
}

func TestSynchronizer_YieldsWhileWaiting(t *testing.T) {
	var yields atomic.Int64
	log := &eventLog{}
	s := NewSynchronizer(&nopProtector{},
		WithMemory(NewBufferMemory(testBase, make([]byte, 4))),
		WithUnits(fixedUnits{0, 1}),
		// Unit 0 waits for unit 1 to start.
		WithPinner(testPinner{delay: map[int]time.Duration{1: 20 * time.Millisecond}}),
		WithYield(func() {
			yields.Inc()
			time.Sleep(time.Millisecond)
		}),
		WithObserver(log.observe),
	)
	require.NoError(t, applyWithin(t, s, testBase, []byte{1}))
	assert.Positive(t, yields.Load())

	log.mu.Lock()
	defer log.mu.Unlock()
	for _, e := range log.events {
		if e.Unit == 0 && e.State == StateLocked {
			assert.Positive(t, e.Polls)
		}
	}
}

func TestSynchronizer_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		disp := rng.Uint32()
		if int32(disp) == 0x7fffffff {
			continue
		}
		code := x86Function(64, rng.IntN(20), -1, 0)
		jg := 30 + rng.IntN(10)
		copy(code[jg:], x86Function(6, -1, 0, disp))
		original := bytes.Clone(code)

		mem := NewBufferMemory(testBase, code)
		rec, err := NewX86Builder().Build(mem, testBase)
		if errors.Is(err, ErrBranchNotFound) {
			continue
		}
		require.NoError(t, err)

		s := NewSynchronizer(&nopProtector{},
			WithMemory(mem),
			WithUnits(fixedUnits{0, 1, 2}),
			WithPinner(testPinner{}),
		)
		require.NoError(t, applyWithin(t, s, rec.Addr(), rec.Replacement()))
		assert.NotEqual(t, original, code)
		rev := rec.Reverse()
		require.NoError(t, applyWithin(t, s, rev.Addr(), rev.Replacement()))
		assert.Equal(t, original, code)
	}
}

func TestWorkerState_String(t *testing.T) {
	assert.Equal(t, "locked", StateLocked.String())
	assert.Equal(t, "WorkerState(42)", WorkerState(42).String())
}
