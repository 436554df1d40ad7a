package livepatch

import (
	"fmt"
	"sync"
	"time"
)

type fixedUnits []int

func (u fixedUnits) Units() ([]int, error) { return u, nil }

// testPinner pins nothing. Units listed in fail refuse to start.
type testPinner struct {
	fail  map[int]error
	delay map[int]time.Duration
}

func (p testPinner) Pin(unit int) (func(), error) {
	time.Sleep(p.delay[unit])
	if err, ok := p.fail[unit]; ok {
		return nil, err
	}
	return func() {}, nil
}

// nopProtector writes in place and records its calls.
type nopProtector struct {
	mu          sync.Mutex
	writableErr error
	restoreErr  error
	calls       []string
}

func (p *nopProtector) MakeWritable(addr uintptr, size int) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("rw 0x%x %d", addr, size))
	return addr, p.writableErr
}

func (p *nopProtector) RestoreProtection(addr uintptr, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("ro 0x%x %d", addr, size))
	return p.restoreErr
}

// eventLog records worker events and memory writes in a single order.
type eventLog struct {
	mu      sync.Mutex
	entries []string
	events  []Event
}

func (l *eventLog) observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%d:%s", e.Unit, e.State))
	l.events = append(l.events, e)
}

func (l *eventLog) mark(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *eventLog) count(state WorkerState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.State == state {
			n++
		}
	}
	return n
}

func (l *eventLog) index(entry string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

// hookMemory marks the start and end of every write in log.
type hookMemory struct {
	*BufferMemory
	log *eventLog
}

func (m *hookMemory) WriteAt(p []byte, addr uintptr) error {
	m.log.mark("write-begin")
	defer m.log.mark("write-end")
	return m.BufferMemory.WriteAt(p, addr)
}

// readOnlyMemory fails every write.
type readOnlyMemory struct {
	*BufferMemory
	writes int
}

func (m *readOnlyMemory) WriteAt(p []byte, addr uintptr) error {
	m.writes++
	return fmt.Errorf("read-only")
}

// fakeMapper records alias protection changes.
type fakeMapper struct {
	err   error
	modes []Protection
}

func (m *fakeMapper) SetSegmentProtection(seg Segment, mode Protection) error {
	m.modes = append(m.modes, mode)
	return m.err
}

// fakeToggler records page protection changes.
type fakeToggler struct {
	writableErr error
	readOnlyErr error
	calls       []string
}

func (t *fakeToggler) SetPagesWritable(base uintptr, pages int) error {
	t.calls = append(t.calls, fmt.Sprintf("rw 0x%x %d", base, pages))
	return t.writableErr
}

func (t *fakeToggler) SetPagesReadOnly(base uintptr, pages int) error {
	t.calls = append(t.calls, fmt.Sprintf("ro 0x%x %d", base, pages))
	return t.readOnlyErr
}

// x86Function returns a buffer with the "cmp edx, 0x40" anchor at
// anchorOff and a jg with disp at jgOff, everything else filled with NOPs.
func x86Function(size, anchorOff, jgOff int, disp uint32) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = opcodeNOP
	}
	if anchorOff >= 0 {
		copy(buf[anchorOff:], x86AnchorCmpEDX)
	}
	if jgOff >= 0 {
		buf[jgOff] = 0x0f
		buf[jgOff+1] = 0x8f
		buf[jgOff+2] = byte(disp)
		buf[jgOff+3] = byte(disp >> 8)
		buf[jgOff+4] = byte(disp >> 16)
		buf[jgOff+5] = byte(disp >> 24)
	}
	return buf
}

// fakeAliasMapping is an alias mapping at a fixed place.
type fakeAliasMapping struct {
	fakeMapper
	seg Segment
}

func (m *fakeAliasMapping) Segment() Segment { return m.seg }
