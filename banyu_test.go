package banyu

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRuntime_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Console = false
	cfg.Logging.Pretty = false

	rt, err := NewRuntime(cfg, RuntimeOptions{
		ServiceName:    "banyu-test",
		PluginDataRoot: t.TempDir(),
	})
	assert.NoError(t, err)

	res := rt.Scheduler().Execute(context.Background(), "sess-1", "hello", func(ctx context.Context) (any, error) {
		return "world", nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, "world", res.Result)

	assert.NotNil(t, rt.Plugins())

	rec := httptest.NewRecorder()
	rt.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "banyu")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, rt.Shutdown(ctx))
}

func TestRuntime_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lanes.MaxQueueSize = -5
	cfg.Logging.Level = "shout"

	_, err := NewRuntime(cfg, RuntimeOptions{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_queue_size")
	assert.Contains(t, err.Error(), "log level")
}
