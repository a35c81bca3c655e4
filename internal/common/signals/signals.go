package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Shutdown separates the two ways a run can be asked to stop.
// Stop is closed on SIGTERM: no new work is started but in-flight commands run to their time limits.
// Ctx is cancelled on SIGINT, or on a second SIGTERM, and aborts everything.
type Shutdown struct {
	Ctx  context.Context
	stop chan struct{}

	cancel   context.CancelFunc
	stopOnce sync.Once
	signals  chan os.Signal
}

// CreateShutdown returns a Shutdown listening for SIGINT and SIGTERM.
func CreateShutdown(parent context.Context) *Shutdown {
	ctx, cancel := context.WithCancel(parent)
	s := &Shutdown{
		Ctx:     ctx,
		stop:    make(chan struct{}),
		cancel:  cancel,
		signals: make(chan os.Signal, 2),
	}
	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM)
	go s.listen()
	return s
}

func (s *Shutdown) listen() {
	for {
		select {
		case sig := <-s.signals:
			s.handle(sig)
		case <-s.Ctx.Done():
			return
		}
	}
}

func (s *Shutdown) handle(sig os.Signal) {
	select {
	case <-s.stop:
		log.Warnf("received %s while draining, interrupting", sig)
		s.cancel()
		return
	default:
	}
	if sig == syscall.SIGTERM {
		log.Warn("received SIGTERM, draining")
		s.Drain()
		return
	}
	log.Warnf("received %s, interrupting", sig)
	s.Drain()
	s.cancel()
}

// Stop is closed once a graceful drain has been requested.
func (s *Shutdown) Stop() <-chan struct{} {
	return s.stop
}

// Drain requests a graceful drain. Safe to call more than once.
func (s *Shutdown) Drain() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Close stops listening for signals and releases the context.
func (s *Shutdown) Close() {
	signal.Stop(s.signals)
	s.cancel()
}
