package cluster

import (
	"fmt"

	"go.uber.org/zap"
)

// ClusterError wraps a failure with the cluster name that produced it.
type ClusterError struct {
	Cluster string
	Cause   error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("cluster %q: %v", e.Cluster, e.Cause)
}

func (e *ClusterError) Unwrap() error { return e.Cause }

func newClusterError(name string, cause error) *ClusterError {
	return &ClusterError{Cluster: name, Cause: cause}
}

// NotFoundError reports that a cluster_position has no bound record,
// either because it was never filled or because it was removed.
type NotFoundError struct {
	Position ClusterPosition
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cluster: no record at position %d", e.Position)
}

// IllegalStateError reports on-disk state that violates an invariant the
// rest of the package relies on; writeChain raises it when a page handed
// out by findFreePage cannot take a chunk sized to that page's own
// capacity. It dumps the offending page's state
// to logger before returning, so the evidence survives even if the
// caller only logs the error's message.
type IllegalStateError struct {
	Cluster string
	Reason  string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cluster %q: illegal state: %s", e.Cluster, e.Reason)
}

func newIllegalStateError(logger *zap.Logger, clusterName, reason string, page dumpable) *IllegalStateError {
	if page != nil {
		page.DumpToLog(logger)
	}
	return &IllegalStateError{Cluster: clusterName, Reason: reason}
}

// dumpable is satisfied by page_manager.Page; kept narrow so errors.go does
// not need to import the page_manager package just for this one call.
type dumpable interface {
	DumpToLog(logger *zap.Logger)
}
