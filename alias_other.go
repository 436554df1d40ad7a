//go:build !linux

package livepatch

import "errors"

// DualMapping is only implemented on Linux.
type DualMapping struct{}

func NewDualMapping(size int) (*DualMapping, error) {
	return nil, errors.New("dual mappings require memfd_create (Linux only)")
}

func (m *DualMapping) Segment() Segment { return Segment{} }

func (m *DualMapping) Load(code []byte) (uintptr, error) {
	return 0, errors.New("dual mappings are not supported")
}

func (m *DualMapping) SetSegmentProtection(seg Segment, mode Protection) error {
	return errors.New("dual mappings are not supported")
}


func (m *DualMapping) Close() error { return nil }
