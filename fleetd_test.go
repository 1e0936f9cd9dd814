package fleetd

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCoordinatorAndClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	coord, err := NewCoordinator(ctx, "memory://", "b7", quiet())
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	ts := httptest.NewServer(coord.Handler("/api"))
	t.Cleanup(ts.Close)

	c, err := NewClient(ClientConfig{BaseURL: ts.URL + "/api", Timeout: 5 * time.Second, Logger: quiet()})
	require.NoError(t, err)

	build, err := c.BuildNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b7", build)

	spec := NewSpec("web")
	spec.StartCommand = []string{"/opt/web/bin/web"}
	require.NoError(t, coord.CreateDaemon(ctx, spec))
	require.NoError(t, c.SetTarget(ctx, "web", StatusRunning))

	got, err := coord.GetDaemon(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.TargetStatus)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestNewCoordinatorEmptyDSN(t *testing.T) {
	_, err := NewCoordinator(context.Background(), "  ", "b1", quiet())
	assert.Error(t, err)
}

func TestSuperviseRelaunchesTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	task := func(ctx context.Context) error {
		if runs.Add(1) >= 2 {
			cancel()
			<-ctx.Done()
		}
		return nil
	}
	require.NoError(t, Supervise(ctx, "tick", task, quiet()))
	assert.EqualValues(t, 2, runs.Load())
}
