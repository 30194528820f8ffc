package provider

import (
	"fmt"
	"strings"
)

// SystemType selects the resolution strategy for the current deployment.
type SystemType int

const (
	SystemTypeUnknown SystemType = iota
	// SystemTypeLocal resolves everything through the local discovery daemon.
	SystemTypeLocal
	// SystemTypeOrchestrated resolves everything from injected environment
	// variables.
	SystemTypeOrchestrated
)

// DefaultSystemType is used when nothing selects a system type.
const DefaultSystemType = "development"

// ParseSystemType maps a declared system type to a strategy. Matching is
// case-insensitive.
func ParseSystemType(s string) (SystemType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "local":
		return SystemTypeLocal, nil
	case "k8s", "kubernetes":
		return SystemTypeOrchestrated, nil
	default:
		return SystemTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownSystemType, s)
	}
}

func (t SystemType) String() string {
	switch t {
	case SystemTypeLocal:
		return "local"
	case SystemTypeOrchestrated:
		return "orchestrated"
	default:
		return "unknown"
	}
}
