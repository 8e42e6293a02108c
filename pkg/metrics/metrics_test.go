package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(MergeResults.WithLabelValues("duplicate"))
	MergeResults.WithLabelValues("duplicate").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(MergeResults.WithLabelValues("duplicate")))

	before = testutil.ToFloat64(StaleFramesDropped)
	StaleFramesDropped.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(StaleFramesDropped))
}

func TestHandlerExposesCollectors(t *testing.T) {
	SubscriptionSwaps.Inc()
	QueuePolls.WithLabelValues("ok").Inc()
	QueuePollDuration.Observe(0.02)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	for _, name := range []string{
		"chatsync_subscription_swaps_total",
		"chatsync_queue_polls_total",
		"chatsync_queue_poll_duration_seconds_bucket",
	} {
		assert.Contains(t, string(body), name)
	}
}
