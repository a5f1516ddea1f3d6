// Package capacity enforces the licensed worker-count ceiling. It is a
// pure policy check consulted once by the coordinator at startup; a
// violation refuses startup, it is never a runtime failure.
package capacity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWorkerCount is returned for a non-positive request.
	ErrInvalidWorkerCount = errors.New("capacity: requested worker count must be positive")
)

// Capability is the static capability flag supplied at startup.
type Capability uint8

const (
	// CapabilityDefault clamps the worker count to DefaultCeiling.
	CapabilityDefault Capability = iota
	// CapabilityEnterprise lifts the ceiling to EnterpriseCeiling.
	CapabilityEnterprise
)

const (
	// DefaultCeiling is the worker ceiling without an elevated capability.
	DefaultCeiling = 8
	// EnterpriseCeiling is the worker ceiling with the enterprise
	// capability enabled.
	EnterpriseCeiling = 64
)

// AllowedWorkerCount clamps the requested worker count to the ceiling the
// capability permits. Stateless; the caller decides what to do with the
// effective count.
func AllowedWorkerCount(requested int, c Capability) (int, error) {
	if requested <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWorkerCount, requested)
	}
	ceiling := DefaultCeiling
	if c == CapabilityEnterprise {
		ceiling = EnterpriseCeiling
	}
	if requested > ceiling {
		return ceiling, nil
	}
	return requested, nil
}
