package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metrics.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, domain string, status types.Status, latencyMs float64) {
	t.Helper()
	q := &types.Query{
		CorrelationID: "corr-" + string(status) + "-" + domain,
		ReceivedAt:    time.Now().UTC(),
	}
	res := &types.Result{
		Status:        status,
		Domain:        domain,
		Confidence:    0.9,
		CorrelationID: q.CorrelationID,
		LatencyMs:     latencyMs,
	}
	if status == types.StatusFailed {
		res.Retries = 3
		res.FailureReason = "output_empty"
	}
	require.NoError(t, s.RecordResult(context.Background(), q, res))
}

func TestRecordAndSummarize(t *testing.T) {
	s := openTestStore(t)

	record(t, s, "finance", types.StatusSuccess, 120)
	record(t, s, "finance", types.StatusFailed, 300)
	record(t, s, "support", types.StatusEscalated, 30)

	sum, err := s.Summarize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3), sum.Total)
	assert.Equal(t, int64(1), sum.Success)
	assert.Equal(t, int64(1), sum.Escalated)
	assert.Equal(t, int64(1), sum.Failed)
	assert.InDelta(t, 150.0, sum.AvgLatencyMs, 1e-9)
}

func TestSummarizeEmptyStore(t *testing.T) {
	s := openTestStore(t)

	sum, err := s.Summarize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.Total)
	assert.Zero(t, sum.AvgLatencyMs)
}

func TestByDomainOrdersByVolume(t *testing.T) {
	s := openTestStore(t)

	record(t, s, "finance", types.StatusSuccess, 100)
	record(t, s, "finance", types.StatusSuccess, 110)
	record(t, s, "support", types.StatusSuccess, 90)
	// Escalated before classification settles: no domain, excluded from the
	// per-domain breakdown.
	record(t, s, "", types.StatusEscalated, 20)

	counts, err := s.ByDomain(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, DomainCount{Domain: "finance", Count: 2}, counts[0])
	assert.Equal(t, DomainCount{Domain: "support", Count: 1}, counts[1])
}

func TestRecordSurvivesCancelledRequestContext(t *testing.T) {
	s := openTestStore(t)

	// The engine records through a detached context; a request cancelled
	// mid-flight must still leave its row.
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	ctx, done := logging.DetachContextWithTimeout(parent, time.Second)
	defer done()

	q := &types.Query{CorrelationID: "cancelled-run", ReceivedAt: time.Now().UTC()}
	res := &types.Result{
		Status:        types.StatusFailed,
		CorrelationID: q.CorrelationID,
		FailureReason: "cancelled",
	}
	require.NoError(t, s.RecordResult(ctx, q, res))

	sum, err := s.Summarize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Total)
	assert.Equal(t, int64(1), sum.Failed)
}
