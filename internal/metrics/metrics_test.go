package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/steveyegge/sift/internal/pipeline"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	started := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	m.ObserveRun(&pipeline.Report{
		State:      pipeline.StateAborted,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Drained:    3,
		Rejected:   1,
		Outcomes: []*pipeline.Outcome{
			{Op: &types.Operation{Kind: types.OpMerge}, Applied: true},
			{Op: &types.Operation{Kind: types.OpCreateError}, Err: fmt.Errorf("p1: %w", quota.ErrQuotaExceeded)},
			{Op: &types.Operation{Kind: types.OpCreateIssue}, Skipped: true},
			{Err: errors.New("read failed")},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("aborted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsDrained))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("merge", ResultApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("create_error", ResultQuotaExceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("create_issue", ResultSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("unresolved", ResultFailed)))
	assert.Equal(t, float64(started.Add(2*time.Second).Unix()), testutil.ToFloat64(m.lastRun))
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.ObserveRun(&pipeline.Report{State: pipeline.StateDone})
}
