package billing

import (
	"context"
	"testing"
	"time"

	"github.com/diatonic-ai/nexus-metering/pkg/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStripeSyncer_RequiresSubscriptionItem(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	syncer := NewStripeSyncer("sk_test_key", 10*time.Second, logger)

	err := syncer.SyncDaily(context.Background(), models.TenantConfig{TenantID: "tenant-a"}, models.UsageDailyAggregate{
		TenantID: "tenant-a",
		Day:      testDay(),
		TokensIn: 100,
	})
	assert.Error(t, err)
}

func TestNewStripeSyncer_TimeoutDefault(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	assert.Equal(t, 30*time.Second, NewStripeSyncer("sk_test_key", 0, logger).timeout)
	assert.Equal(t, 5*time.Second, NewStripeSyncer("sk_test_key", 5*time.Second, logger).timeout)
}
