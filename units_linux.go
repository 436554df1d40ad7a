package livepatch

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// OnlineUnits enumerates the CPUs in the process's affinity mask.
type OnlineUnits struct{}

func (OnlineUnits) Units() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}

	units := make([]int, 0, set.Count())
	for cpu := 0; len(units) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			units = append(units, cpu)
		}
	}
	return units, nil
}

// CPUPinner locks the calling goroutine to its OS thread and restricts that
// thread to a single CPU.
type CPUPinner struct{}

func (CPUPinner) Pin(cpu int) (func(), error) {
	runtime.LockOSThread()

	var previous unix.CPUSet
	if err := unix.SchedGetaffinity(0, &previous); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}

	return func() {
		// The thread is dropped by the runtime if it can't be restored.
		if err := unix.SchedSetaffinity(0, &previous); err == nil {
			runtime.UnlockOSThread()
		}
	}, nil
}
