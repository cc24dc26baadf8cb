package clustermetrics

import (
	"go.opentelemetry.io/otel/metric"
)

// ClusterMetrics holds the metric instruments emitted by a paginated
// cluster during record and page level operations.
type ClusterMetrics struct {
	RecordsCreatedCounter  metric.Int64Counter
	RecordsReadCounter     metric.Int64Counter
	RecordsUpdatedCounter  metric.Int64Counter
	RecordsDeletedCounter  metric.Int64Counter
	RecordsHiddenCounter   metric.Int64Counter
	RecordsRecycledCounter metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	LivePagesUpDownCounter metric.Int64UpDownCounter
	FreeListBucketGauge    metric.Int64UpDownCounter
}

// NewClusterMetrics creates and registers all the metrics for a cluster store.
func NewClusterMetrics(meter metric.Meter) (*ClusterMetrics, error) {
	recordsCreatedCounter, err := meter.Int64Counter(
		"ferrodb.cluster.records.created_total",
		metric.WithDescription("Total number of records created."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recordsReadCounter, err := meter.Int64Counter(
		"ferrodb.cluster.records.read_total",
		metric.WithDescription("Total number of records read."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recordsUpdatedCounter, err := meter.Int64Counter(
		"ferrodb.cluster.records.updated_total",
		metric.WithDescription("Total number of records updated."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recordsDeletedCounter, err := meter.Int64Counter(
		"ferrodb.cluster.records.deleted_total",
		metric.WithDescription("Total number of records deleted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recordsHiddenCounter, err := meter.Int64Counter(
		"ferrodb.cluster.records.hidden_total",
		metric.WithDescription("Total number of records hidden without freeing space."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recordsRecycledCounter, err := meter.Int64Counter(
		"ferrodb.cluster.records.recycled_total",
		metric.WithDescription("Total number of deleted positions recycled by a new create."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"ferrodb.cluster.op.duration",
		metric.WithDescription("The latency of cluster record operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	livePagesUpDownCounter, err := meter.Int64UpDownCounter(
		"ferrodb.cluster.pages.live",
		metric.WithDescription("Number of data pages currently allocated to the cluster."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	freeListBucketGauge, err := meter.Int64UpDownCounter(
		"ferrodb.cluster.freelist.occupancy",
		metric.WithDescription("Number of pages currently linked into free-space buckets."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ClusterMetrics{
		RecordsCreatedCounter:  recordsCreatedCounter,
		RecordsReadCounter:     recordsReadCounter,
		RecordsUpdatedCounter:  recordsUpdatedCounter,
		RecordsDeletedCounter:  recordsDeletedCounter,
		RecordsHiddenCounter:   recordsHiddenCounter,
		RecordsRecycledCounter: recordsRecycledCounter,
		OpLatencyHistogram:     opLatencyHistogram,
		LivePagesUpDownCounter: livePagesUpDownCounter,
		FreeListBucketGauge:    freeListBucketGauge,
	}, nil
}
