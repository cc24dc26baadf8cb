package cluster

import (
	"fmt"
	"sync"
)

// ConflictStrategy decides whether an update_record call proceeds when the
// caller's expected version does not match the version currently stored at
// a position.
type ConflictStrategy interface {
	Name() string
	OnUpdate(currentVersion, expectedVersion int) error
}

var (
	conflictRegistryMu sync.RWMutex
	conflictRegistry   = map[string]ConflictStrategy{}
)

// RegisterConflictStrategy makes s available to clusters configured with
// s.Name() as their ConflictStrategy attribute.
func RegisterConflictStrategy(s ConflictStrategy) {
	conflictRegistryMu.Lock()
	defer conflictRegistryMu.Unlock()
	conflictRegistry[s.Name()] = s
}

// LookupConflictStrategy returns the registered ConflictStrategy for name.
func LookupConflictStrategy(name string) (ConflictStrategy, error) {
	conflictRegistryMu.RLock()
	defer conflictRegistryMu.RUnlock()
	s, ok := conflictRegistry[name]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown conflict strategy %q", name)
	}
	return s, nil
}

func init() {
	RegisterConflictStrategy(versionConflictStrategy{})
	RegisterConflictStrategy(noneConflictStrategy{})
}

// VersionConflictError is returned by versionConflictStrategy.OnUpdate when
// the caller's expected version is stale.
type VersionConflictError struct {
	Current, Expected int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("cluster: version conflict: current=%d expected=%d", e.Current, e.Expected)
}

// versionConflictStrategy rejects an update whose expected version does not
// match what is currently stored, the default: optimistic concurrency
// control via the record's own version counter. An expected version below
// zero skips the check.
type versionConflictStrategy struct{}

func (versionConflictStrategy) Name() string { return "version" }

func (versionConflictStrategy) OnUpdate(current, expected int) error {
	if expected >= 0 && current != expected {
		return &VersionConflictError{Current: current, Expected: expected}
	}
	return nil
}

// noneConflictStrategy never rejects an update: last writer wins.
type noneConflictStrategy struct{}

func (noneConflictStrategy) Name() string                       { return "none" }
func (noneConflictStrategy) OnUpdate(current, expected int) error { return nil }
