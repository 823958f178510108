// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package atacseq

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

type throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *throttle) Acquire() {
	t.setupOnce.Do(func() { t.ch = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.ch <- true
}

func (t *throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}

// Go calls f in a new goroutine after acquiring a slot, and records
// its error (if any) so it is returned by Wait.
func (t *throttle) Go(f func() error) {
	t.Acquire()
	go func() {
		defer t.Release()
		t.Report(f())
	}()
}

func threadCount(threads int) int {
	if threads < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return threads
}

// parallelRange splits [0,n) into contiguous chunks and calls fn once
// per chunk, using at most threads goroutines at a time. Each call
// must only write output belonging to its own [lo,hi) range.
//
// ctx is checked before each chunk starts; a chunk that has started
// always runs to completion.
func parallelRange(ctx context.Context, n, threads int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return ctx.Err()
	}
	threads = threadCount(threads)
	if threads > n {
		threads = n
	}
	chunk := (n + threads*4 - 1) / (threads * 4)
	if chunk < 1 {
		chunk = 1
	}
	if threads == 1 {
		for lo := 0; lo < n; lo += chunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			hi := lo + chunk
			if hi > n {
				hi = n
			}
			if err := fn(lo, hi); err != nil {
				return err
			}
		}
		return nil
	}
	thr := throttle{Max: threads}
	for lo := 0; lo < n; lo += chunk {
		if thr.Err() != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			thr.Report(err)
			break
		}
		lo, hi := lo, lo+chunk
		if hi > n {
			hi = n
		}
		thr.Go(func() error { return fn(lo, hi) })
	}
	return thr.Wait()
}
