// Package transfer implements the shard transfer engine: a single
// coordinating goroutine that owns all mutable transfer state, a bounded
// pool of background tasks for network and file I/O, and the per-shard
// pointer state machines driven between them. Background tasks capture only
// value copies of their inputs and hand results back as messages applied on
// the coordinating goroutine, so the shared state needs no locks.
package transfer

import (
	"context"
	"sync/atomic"
)

// Concurrency ceilings and retry bounds for one transfer.
const (
	// MaxShardConcurrency caps outstanding shard transfers.
	MaxShardConcurrency = 24
	// MaxWriteConcurrency caps outstanding destination-file writes.
	MaxWriteConcurrency = 4

	// MaxShardReplacements bounds the pointer replace cycle per shard.
	MaxShardReplacements = 6
	// MaxInfoTries bounds file-info and frame fetch attempts.
	MaxInfoTries = 6
	// MaxTokenTries bounds token acquisition attempts per shard.
	MaxTokenTries = 6
	// MaxAddBucketEntryTries bounds publishing the final bucket entry.
	MaxAddBucketEntryTries = 6
	// MaxReportRetries bounds exchange report resends after the first try.
	MaxReportRetries = 2

	// PointerBatchLimit is how many pointers one bridge request asks for.
	PointerBatchLimit = 8
)

// applyFunc mutates transfer state; it is only ever executed on the
// coordinating goroutine.
type applyFunc func()

// scheduler is the coordinating loop shared by uploads and downloads. It
// tracks the exact number of outstanding background tasks and guarantees
// the loop only exits once that count is zero.
type scheduler struct {
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan applyFunc
	progress chan int64
	pending  int
	canceled atomic.Bool
}

func newScheduler(parent context.Context) *scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &scheduler{
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan applyFunc, 64),
		progress: make(chan int64, 256),
	}
}

// spawn queues one unit of background work. Must be called from the
// coordinating goroutine; the returned apply closure is executed there too.
func (s *scheduler) spawn(task func(ctx context.Context) applyFunc) {
	s.pending++
	go func() {
		s.events <- task(s.ctx)
	}()
}

// run drives the transfer: step decides and issues the next eligible work,
// each completion message is applied, then step runs again. The loop ends
// only when no background work is outstanding, so a latched fatal error
// still drains every in-flight task before the caller finalizes.
func (s *scheduler) run(step func(), onProgress func(int64)) {
	step()
	for s.pending > 0 {
		select {
		case apply := <-s.events:
			s.pending--
			if apply != nil {
				apply()
			}
			step()
		case n := <-s.progress:
			onProgress(n)
		}
	}
	for {
		select {
		case n := <-s.progress:
			onProgress(n)
		default:
			return
		}
	}
}

// Cancel flags the transfer as canceled and interrupts in-flight workers at
// their next checkpoint. Safe to call from any goroutine.
func (s *scheduler) Cancel() {
	s.canceled.Store(true)
	s.cancel()
}

func (s *scheduler) isCanceled() bool {
	return s.canceled.Load()
}
