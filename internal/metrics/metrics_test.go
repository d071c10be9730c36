package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	Init()

	assert.Equal(t, float64(1), testutil.ToFloat64(BuildInfo.WithLabelValues(Version)))
}

func TestRecordWorkRequest(t *testing.T) {
	WorkRequestsPosted.Reset()

	RecordWorkRequest("send")
	RecordWorkRequest("send")
	RecordWorkRequest("rdma_write")

	assert.Equal(t, float64(2), testutil.ToFloat64(WorkRequestsPosted.WithLabelValues("send")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkRequestsPosted.WithLabelValues("rdma_write")))
}

func TestRecordCompletion(t *testing.T) {
	CompletionsTotal.Reset()

	RecordCompletion("IBV_WC_RECV", "success")

	count := testutil.ToFloat64(CompletionsTotal.WithLabelValues("IBV_WC_RECV", "success"))
	assert.Equal(t, float64(1), count)
}

func TestRecordPollSkipsEmpty(t *testing.T) {
	before := testutil.CollectAndCount(PollBatchSize)

	RecordPoll(0)
	RecordPoll(3)

	// A histogram is a single metric; the sample count lives inside it.
	assert.Equal(t, before, testutil.CollectAndCount(PollBatchSize))
}

func TestRecordHandler(t *testing.T) {
	HandlerEvents.Reset()

	RecordHandler("recv_done")

	assert.Equal(t, float64(1), testutil.ToFloat64(HandlerEvents.WithLabelValues("recv_done")))
}

func TestRecordHandshake(t *testing.T) {
	HandshakesTotal.Reset()

	RecordHandshake(true, 5*time.Millisecond)
	RecordHandshake(false, time.Second)
	RecordHandshake(true, time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(HandshakesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakesTotal.WithLabelValues("failure")))
}

func TestAddRegisteredBuffer(t *testing.T) {
	RegisteredBuffers.Set(0)
	RegisteredBufferBytes.Set(0)

	AddRegisteredBuffer(1, 4096)
	AddRegisteredBuffer(1, 1024)
	AddRegisteredBuffer(-1, 4096)

	assert.Equal(t, float64(1), testutil.ToFloat64(RegisteredBuffers))
	assert.Equal(t, float64(1024), testutil.ToFloat64(RegisteredBufferBytes))
}

func TestRecordQPTransition(t *testing.T) {
	QPStateTransitions.Reset()

	RecordQPTransition("INIT")
	RecordQPTransition("RTR")
	RecordQPTransition("RTS")

	assert.Equal(t, float64(1), testutil.ToFloat64(QPStateTransitions.WithLabelValues("RTS")))
}

func TestActiveSessions(t *testing.T) {
	ActiveSessions.Reset()

	IncrementActiveSessions("accepting")
	IncrementActiveSessions("accepting")
	DecrementActiveSessions("accepting")

	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveSessions.WithLabelValues("accepting")))
}
