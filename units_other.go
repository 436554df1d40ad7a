//go:build !linux

package livepatch

import "runtime"

// OnlineUnits enumerates runtime.NumCPU units.
type OnlineUnits struct{}

func (OnlineUnits) Units() ([]int, error) {
	units := make([]int, runtime.NumCPU())
	for i := range units {
		units[i] = i
	}
	return units, nil
}

// CPUPinner locks the worker to an OS thread. Without an affinity API the
// operating system decides which CPU that thread runs on.
type CPUPinner struct{}

func (CPUPinner) Pin(int) (func(), error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}
