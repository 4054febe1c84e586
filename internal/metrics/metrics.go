package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	SnapshotsBuilt          Counter
	SnapshotsFailed         Counter
	AggregationOmissions    Counter
	RegistryRefreshes       Counter
	FeedReconnects          Counter
	FeedMessagesDropped     Counter
	FeedReconnectsExhausted Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SnapshotsBuilt:          n,
		SnapshotsFailed:         n,
		AggregationOmissions:    n,
		RegistryRefreshes:       n,
		FeedReconnects:          n,
		FeedMessagesDropped:     n,
		FeedReconnectsExhausted: n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
