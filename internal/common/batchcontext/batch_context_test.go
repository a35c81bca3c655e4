package batchcontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.NewEntry(logrus.New()).WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips"}, ctx.Log.Data)
}

func TestWithLogField_Chains(t *testing.T) {
	ctx := WithLogField(WithLogField(Background(), "instanceId", "abc"), "frameNum", 3)
	require.Equal(t, logrus.Fields{"instanceId": "abc", "frameNum": 3}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 100*time.Millisecond)
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithDeadline(t *testing.T) {
	ctx, cancel := WithDeadline(Background(), time.Now().Add(100*time.Millisecond))
	defer cancel()
	testDeadline(t, ctx)
}

func TestDetached_SurvivesParentCancellation(t *testing.T) {
	parent, cancel := WithCancel(WithLogField(Background(), "instanceId", "abc"))
	detached := Detached(parent)
	cancel()

	require.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, "abc", detached.Log.Data["instanceId"])
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(Background(), nil, time.Millisecond))

	stop := make(chan struct{})
	close(stop)
	assert.False(t, Sleep(Background(), stop, time.Hour))

	ctx, cancel := WithCancel(Background())
	cancel()
	assert.False(t, Sleep(ctx, nil, time.Hour))
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(Background())
	g.Go(func() error {
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Error(t, ctx.Err())
}

func testDeadline(t *testing.T, c *Context) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not reach deadline")
	}
	assert.Equal(t, context.DeadlineExceeded, c.Err())
}
