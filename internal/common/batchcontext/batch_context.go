package batchcontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context carries a logrus entry alongside a standard context so that per-instance and per-frame fields
// travel with cancellation through the worker, recruiter and autoscale goroutines.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background wraps context.Background with an entry on the standard logger.
func Background() *Context {
	return New(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

// WithCancel derives a cancellable context that shares the parent's logger.
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return New(c, parent.Log), cancel
}

// WithDeadline derives a context that expires no later than d.
func WithDeadline(parent *Context, d time.Time) (*Context, context.CancelFunc) {
	c, cancel := context.WithDeadline(parent.Context, d)
	return New(c, parent.Log), cancel
}

func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	return WithDeadline(parent, time.Now().Add(timeout))
}

// Detached keeps the parent's logger and values but ignores its cancellation.
// Instance termination after an interrupt runs on a detached context bounded by WithTimeout.
func Detached(parent *Context) *Context {
	return New(context.WithoutCancel(parent.Context), parent.Log)
}

// WithLogField tags the logger with key=val, typically an instance id or frame number.
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return New(parent.Context, parent.Log.WithField(key, val))
}

// ErrGroup is errgroup.WithContext for a batch context.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, New(goctx, ctx.Log)
}

// Sleep waits for d unless ctx or stop finishes first. It reports whether the full interval elapsed.
func Sleep(ctx *Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}
