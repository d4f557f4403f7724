package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	t.Run("RedisOperationsTotal", func(t *testing.T) {
		RedisOperationsTotal.WithLabelValues("get", "success").Inc()
		val := testutil.ToFloat64(RedisOperationsTotal.WithLabelValues("get", "success"))
		if val < 1 {
			t.Errorf("Expected RedisOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("PersistenceAppendsTotal", func(t *testing.T) {
		PersistenceAppendsTotal.WithLabelValues("room-1").Inc()
		val := testutil.ToFloat64(PersistenceAppendsTotal.WithLabelValues("room-1"))
		if val < 1 {
			t.Errorf("Expected PersistenceAppendsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("StorageOperationDuration", func(t *testing.T) {
		StorageOperationDuration.WithLabelValues("append_updates").Observe(0.01)
	})

	t.Run("IncDecConnection", func(t *testing.T) {
		IncConnection()
		IncConnection()
		DecConnection()
		val := testutil.ToFloat64(ActiveConnections)
		if val < 1 {
			t.Errorf("Expected ActiveConnections to be at least 1, got %v", val)
		}
	})
}
