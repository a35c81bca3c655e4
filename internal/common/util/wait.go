package util

import (
	"sync"
	"time"
)

// WaitWithTimeout waits for wg, giving up after timeout. It returns true if it gave up.
func WaitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c:
		return false // completed normally
	case <-timer.C:
		return true // timed out
	}
}
