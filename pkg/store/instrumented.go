package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"threadchat/pkg/domain"
)

// StoreMetrics counts remote store calls by operation and result.
type StoreMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewStoreMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewStoreMetrics(reg prometheus.Registerer) (*StoreMetrics, error) {
	m := &StoreMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadchat",
			Name:      "store_operations_total",
			Help:      "Remote store calls by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadchat",
			Name:      "store_operation_duration_seconds",
			Help:      "Remote store call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ops, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *StoreMetrics) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// InstrumentedStore decorates a Store with metrics.
type InstrumentedStore struct {
	next    Store
	metrics *StoreMetrics
}

// Instrument wraps next so every call is recorded in metrics.
func Instrument(next Store, metrics *StoreMetrics) *InstrumentedStore {
	return &InstrumentedStore{next: next, metrics: metrics}
}

func (s *InstrumentedStore) ListThreads(ctx context.Context, userID string) (res []domain.Thread, err error) {
	defer func(start time.Time) { s.metrics.observe("list_threads", start, err) }(time.Now())
	return s.next.ListThreads(ctx, userID)
}

func (s *InstrumentedStore) InsertThread(ctx context.Context, thread domain.Thread) (res domain.Thread, err error) {
	defer func(start time.Time) { s.metrics.observe("insert_thread", start, err) }(time.Now())
	return s.next.InsertThread(ctx, thread)
}

func (s *InstrumentedStore) UpdateThreadTitle(ctx context.Context, userID, id, title string) (err error) {
	defer func(start time.Time) { s.metrics.observe("update_thread_title", start, err) }(time.Now())
	return s.next.UpdateThreadTitle(ctx, userID, id, title)
}

func (s *InstrumentedStore) UpdateThreadTimestamp(ctx context.Context, userID, id string, at time.Time) (err error) {
	defer func(start time.Time) { s.metrics.observe("update_thread_timestamp", start, err) }(time.Now())
	return s.next.UpdateThreadTimestamp(ctx, userID, id, at)
}

func (s *InstrumentedStore) DeleteThread(ctx context.Context, userID, id string) (err error) {
	defer func(start time.Time) { s.metrics.observe("delete_thread", start, err) }(time.Now())
	return s.next.DeleteThread(ctx, userID, id)
}

func (s *InstrumentedStore) ListMessages(ctx context.Context, threadIDs []string) (res []domain.Message, err error) {
	defer func(start time.Time) { s.metrics.observe("list_messages", start, err) }(time.Now())
	return s.next.ListMessages(ctx, threadIDs)
}

func (s *InstrumentedStore) InsertMessage(ctx context.Context, msg domain.Message) (err error) {
	defer func(start time.Time) { s.metrics.observe("insert_message", start, err) }(time.Now())
	return s.next.InsertMessage(ctx, msg)
}
