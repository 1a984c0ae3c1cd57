package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	f := newAggFixture(t, nil)
	return NewScheduler(f.aggregator, logger)
}

func TestScheduler_StartRegistersAllJobs(t *testing.T) {
	s := newTestScheduler(t)

	err := s.Start(context.Background(), "15 0 * * *", "*/15 * * * *", "45 * * * *", "30 1 * * *")
	require.NoError(t, err)
	defer s.Stop()

	assert.Len(t, s.cron.Entries(), 4)
}

func TestScheduler_StartRejectsBadSpec(t *testing.T) {
	tests := []struct {
		name                                string
		aggregation, intraday, retry, sweep string
	}{
		{"bad aggregation spec", "not-a-spec", "*/15 * * * *", "45 * * * *", "30 1 * * *"},
		{"bad intraday spec", "15 0 * * *", "not-a-spec", "45 * * * *", "30 1 * * *"},
		{"bad retry spec", "15 0 * * *", "*/15 * * * *", "not-a-spec", "30 1 * * *"},
		{"bad sweep spec", "15 0 * * *", "*/15 * * * *", "45 * * * *", "not-a-spec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t)
			err := s.Start(context.Background(), tt.aggregation, tt.intraday, tt.retry, tt.sweep)
			assert.Error(t, err)
		})
	}
}
