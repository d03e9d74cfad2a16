package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing_Disabled(t *testing.T) {
	tr, err := InitTracing(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Same(t, tr, GetTracer())

	_, span := tr.StartSpan(context.Background(), "catalog.fetch")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, Shutdown(context.Background()))
}

func TestGetTracer_BeforeInit(t *testing.T) {
	prev := globalTracer
	globalTracer = nil
	t.Cleanup(func() { globalTracer = prev })

	_, span := GetTracer().StartSpan(context.Background(), "redemption.confirm")
	defer span.End()
	assert.False(t, span.IsRecording())
}
