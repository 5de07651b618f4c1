// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a simple goroutine lifecycle abstraction.
package worker

import "sync"

// Worker tracks long lived goroutines and provides a single halt signal
// shared by all of them.  It is intended to be embedded in structs that own
// background routines.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go spawns fn as a goroutine tracked by the Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every goroutine spawned via Go to terminate, and blocks until
// all of them have returned.  Halt is idempotent.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}
