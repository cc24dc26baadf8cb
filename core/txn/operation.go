// Package txn implements the atomic-operation boundary that every mutating
// cluster call runs inside of. An atomic operation groups one or more page
// mutations behind a single WAL begin/commit (or begin/abort) pair, the same
// way a paginated cluster ties record create/update/delete to a surrounding
// storage-level transaction.
package txn

import (
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of an atomic operation.
type State int

const (
	StateRunning   State = iota // operation is active, pages are being mutated
	StateCommitted              // operation's WAL commit record has been durably written
	StateAborted                // operation was rolled back, its dirty pages were dropped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MetadataKey namespaces values stashed on an operation by callers that need
// to thread state across nested calls without widening every signature.
type MetadataKey string

// RIDMetadataKey is the metadata key set aside for the record position an
// operation touches. The cluster package neither sets nor reads it, so an
// operation's metadata does not record which positions it changed.
const RIDMetadataKey MetadataKey = "rid"

// Operation represents a single in-flight atomic operation: the set of page
// mutations and locks that must all become visible together, or not at all.
type Operation struct {
	ID    uuid.UUID
	State State

	mu        sync.Mutex
	metadata  map[MetadataKey]any
	locksHeld map[string]struct{}
	dirty     map[string]struct{} // resource names ("fileID:pageID") touched this op
}

func newOperation() *Operation {
	return &Operation{
		ID:        uuid.New(),
		State:     StateRunning,
		metadata:  make(map[MetadataKey]any),
		locksHeld: make(map[string]struct{}),
		dirty:     make(map[string]struct{}),
	}
}

// SetMetadata stashes a value under key for the lifetime of the operation.
func (o *Operation) SetMetadata(key MetadataKey, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metadata[key] = value
}

// Metadata retrieves a value previously stashed with SetMetadata.
func (o *Operation) Metadata(key MetadataKey) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.metadata[key]
	return v, ok
}

// MarkDirty records that this operation touched the given resource, so the
// manager can tell a caller which pages to drop on abort.
func (o *Operation) MarkDirty(resource string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirty[resource] = struct{}{}
}

// DirtyResources returns the resource names touched by this operation.
func (o *Operation) DirtyResources() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.dirty))
	for r := range o.dirty {
		out = append(out, r)
	}
	return out
}
