package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Metric recorders are fire-and-forget; they must accept any label
// values without panicking, including repeats.
func TestRecordersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordMessageQueued("Ping")
		RecordMessageQueued("Ping")
		RecordMessageDispatched("Ping", "ping", 0.0001)
		RecordMessageDropped()
		SetQueueDepth(3)
		SetQueueDepth(0)
		RecordObjectCreated("Ping")
		RecordObjectDestroyed("Ping")
		SetLinkCount(2)
		RecordError("handled")
		RecordError("unhandled")
	})
}

func TestTracerIsNamed(t *testing.T) {
	assert.NotNil(t, Tracer())
}

// InitTracer dials lazily, so setup succeeds without a live collector.
func TestInitTracerReturnsShutdown(t *testing.T) {
	shutdown, err := InitTracer("objectbus-test", "localhost:1")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// With no collector listening the flush fails; shutdown must still
	// return once the context expires.
	_ = shutdown(ctx)
}
