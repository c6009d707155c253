package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Xausdorf/reactpoll/internal/domain"
	"github.com/Xausdorf/reactpoll/internal/usecase"
)

const namespace = "reactpoll"

// PollMetrics implements usecase.Metrics with prometheus collectors.
type PollMetrics struct {
	PollsCreated   prometheus.Counter
	PollsClosed    *prometheus.CounterVec
	OpenPollCount  prometheus.Gauge
	VotesAccepted  prometheus.Counter
	VotesRejected  *prometheus.CounterVec
	VotesWithdrawn prometheus.Counter
	StoreLatency   *prometheus.HistogramVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them on the default handler.
func New(reg prometheus.Registerer) *PollMetrics {
	f := promauto.With(reg)
	return &PollMetrics{
		PollsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_created_total",
			Help:      "Total number of polls started",
		}),
		PollsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_closed_total",
			Help:      "Total number of polls closed, by reason",
		}, []string{"reason"}),
		OpenPollCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_polls",
			Help:      "Number of polls currently accepting votes",
		}),
		VotesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "accepted_total",
			Help:      "Total number of votes counted",
		}),
		VotesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "rejected_total",
			Help:      "Total number of vote events dropped, by reason",
		}, []string{"reason"}),
		VotesWithdrawn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "withdrawn_total",
			Help:      "Total number of votes withdrawn",
		}),
		StoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Histogram of poll store call latencies",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"operation", "result"}),
	}
}

func (m *PollMetrics) PollCreated() {
	m.PollsCreated.Inc()
}

func (m *PollMetrics) PollClosed(reason domain.Reason) {
	m.PollsClosed.WithLabelValues(reason.String()).Inc()
}

func (m *PollMetrics) OpenPolls(n int) {
	m.OpenPollCount.Set(float64(n))
}

func (m *PollMetrics) VoteAccepted() {
	m.VotesAccepted.Inc()
}

func (m *PollMetrics) VoteWithdrawn() {
	m.VotesWithdrawn.Inc()
}

func (m *PollMetrics) VoteRejected(reason string) {
	m.VotesRejected.WithLabelValues(reason).Inc()
}

// InstrumentStore wraps store so every call is observed in StoreLatency.
func (m *PollMetrics) InstrumentStore(store usecase.PollStore) usecase.PollStore {
	return &instrumentedStore{next: store, latency: m.StoreLatency}
}

type instrumentedStore struct {
	next    usecase.PollStore
	latency *prometheus.HistogramVec
}

// observe is deferred with a pointer to the named result, so it sees the final error.
func (s *instrumentedStore) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = "error"
	}
	s.latency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) CreatePoll(ctx context.Context, rec *domain.PollRecord) (err error) {
	defer s.observe("create_poll", time.Now(), &err)
	return s.next.CreatePoll(ctx, rec)
}

func (s *instrumentedStore) DeletePoll(ctx context.Context, code string) (err error) {
	defer s.observe("delete_poll", time.Now(), &err)
	return s.next.DeletePoll(ctx, code)
}

func (s *instrumentedStore) ListOpenPolls(ctx context.Context) (_ []*domain.PollRecord, err error) {
	defer s.observe("list_open_polls", time.Now(), &err)
	return s.next.ListOpenPolls(ctx)
}

func (s *instrumentedStore) AddVote(ctx context.Context, code string, voterID string, option int) (err error) {
	defer s.observe("add_vote", time.Now(), &err)
	return s.next.AddVote(ctx, code, voterID, option)
}

func (s *instrumentedStore) RemoveVote(ctx context.Context, code string, voterID string) (err error) {
	defer s.observe("remove_vote", time.Now(), &err)
	return s.next.RemoveVote(ctx, code, voterID)
}
