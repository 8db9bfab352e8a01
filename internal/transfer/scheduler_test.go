package transfer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftbyte/shardpipe/internal/errors"
)

func TestScheduler_DrainsAllPendingWork(t *testing.T) {
	s := newScheduler(context.Background())

	var applied int32
	issued := false
	step := func() {
		if issued {
			return
		}
		issued = true
		for i := 0; i < 10; i++ {
			s.spawn(func(ctx context.Context) applyFunc {
				return func() { atomic.AddInt32(&applied, 1) }
			})
		}
	}

	s.run(step, func(int64) {})

	if got := atomic.LoadInt32(&applied); got != 10 {
		t.Errorf("applied %d results, want 10", got)
	}
	if s.pending != 0 {
		t.Errorf("pending = %d after run, want 0", s.pending)
	}
}

// Results must be applied on the coordinating goroutine even when the
// workers finish in arbitrary order.
func TestScheduler_SingleWriterApplication(t *testing.T) {
	s := newScheduler(context.Background())

	// counter is mutated without synchronization; the single-writer loop is
	// the only thing keeping this race-free.
	counter := 0
	issued := false
	step := func() {
		if issued {
			return
		}
		issued = true
		for i := 0; i < 50; i++ {
			delay := time.Duration(i%5) * time.Millisecond
			s.spawn(func(ctx context.Context) applyFunc {
				time.Sleep(delay)
				return func() { counter++ }
			})
		}
	}

	s.run(step, func(int64) {})

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestScheduler_CancelInterruptsWorkers(t *testing.T) {
	s := newScheduler(context.Background())

	var sawCancel atomic.Bool
	issued := false
	step := func() {
		if s.isCanceled() || issued {
			return
		}
		issued = true
		s.spawn(func(ctx context.Context) applyFunc {
			<-ctx.Done()
			sawCancel.Store(true)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		s.run(step, func(int64) {})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after Cancel")
	}
	if !sawCancel.Load() {
		t.Error("worker context was not canceled")
	}
	if !s.isCanceled() {
		t.Error("isCanceled() = false after Cancel")
	}
}

func TestScheduler_ProgressDeliveredDuringRun(t *testing.T) {
	s := newScheduler(context.Background())

	var total int64
	issued := false
	step := func() {
		if issued {
			return
		}
		issued = true
		s.spawn(func(ctx context.Context) applyFunc {
			for i := 0; i < 5; i++ {
				s.progress <- 100
			}
			return nil
		})
	}

	s.run(step, func(n int64) { total += n })

	if total != 500 {
		t.Errorf("progress total = %d, want 500", total)
	}
}

func TestTransferState_LatchError(t *testing.T) {
	var s transferState

	// Retryable per-shard codes never latch.
	s.latchError(errors.FarmerTimeoutError)
	if s.fatal() {
		t.Fatal("retryable code latched as fatal")
	}

	s.latchError(errors.FileIntegrityError)
	if s.errorStatus != errors.FileIntegrityError {
		t.Fatalf("errorStatus = %v, want FileIntegrityError", s.errorStatus)
	}

	// First fatal code wins.
	s.latchError(errors.BridgeAuthError)
	if s.errorStatus != errors.FileIntegrityError {
		t.Errorf("errorStatus overwritten to %v", s.errorStatus)
	}
}

func TestTransferState_ReportProgress(t *testing.T) {
	var got []float64
	s := transferState{
		totalBytes: 1000,
		progressCb: func(fraction float64, transferred, total int64, handle interface{}) {
			got = append(got, fraction)
		},
	}

	s.reportProgress(500)
	s.reportProgress(500)
	// Past the total (parity traffic) the fraction clamps at 1.
	s.reportProgress(500)

	want := []float64{0.5, 1, 1}
	if len(got) != len(want) {
		t.Fatalf("got %d callbacks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("fraction[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTransferState_UnknownTotalReportsZero(t *testing.T) {
	var fractions []float64
	s := transferState{
		progressCb: func(fraction float64, transferred, total int64, handle interface{}) {
			fractions = append(fractions, fraction)
		},
	}

	s.reportProgress(100)
	if len(fractions) != 1 || fractions[0] != 0 {
		t.Errorf("fractions = %v, want [0] while total unknown", fractions)
	}
}
