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

	t.Run("RedisOperationDuration", func(t *testing.T) {
		RedisOperationDuration.WithLabelValues("get").Observe(0.1)
	})

	t.Run("QueueDepth", func(t *testing.T) {
		QueueDepth.WithLabelValues("chat").Set(5)
		val := testutil.ToFloat64(QueueDepth.WithLabelValues("chat"))
		if val != 5 {
			t.Errorf("Expected QueueDepth to be 5, got %v", val)
		}
	})

	t.Run("MatcherPairsTotal", func(t *testing.T) {
		MatcherPairsTotal.WithLabelValues("chat", "overlap").Inc()
		val := testutil.ToFloat64(MatcherPairsTotal.WithLabelValues("chat", "overlap"))
		if val < 1 {
			t.Errorf("Expected MatcherPairsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("LeaseAcquisitionsTotal", func(t *testing.T) {
		LeaseAcquisitionsTotal.WithLabelValues("match-job", "skipped").Inc()
		val := testutil.ToFloat64(LeaseAcquisitionsTotal.WithLabelValues("match-job", "skipped"))
		if val < 1 {
			t.Errorf("Expected LeaseAcquisitionsTotal to be at least 1, got %v", val)
		}
	})
}
