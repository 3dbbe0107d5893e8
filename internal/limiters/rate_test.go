package limiters

import (
	"context"
	"testing"
	"time"
)

func TestRate_TakeContext(t *testing.T) {
	type ctrArgs struct {
		burstSize int
		interval  time.Duration
	}
	type loop struct {
		count int
		sleep time.Duration
	}
	tests := []struct {
		name            string
		ctrArgs         ctrArgs
		loop            loop
		wantErr         bool
		totalTimeAbove  time.Duration
		totalTimeBefore time.Duration
		close           bool
	}{
		{
			name:            "rate all good",
			ctrArgs:         ctrArgs{burstSize: 1, interval: 10 * time.Millisecond},
			loop:            loop{count: 20},
			wantErr:         false,
			totalTimeAbove:  19 * 10 * time.Millisecond, // 19 because of burst 1
			totalTimeBefore: 20 * 10 * time.Millisecond, // should be well below 200ms even on very slow machines
		},
		{
			name:            "rate burst 0",
			ctrArgs:         ctrArgs{burstSize: 0, interval: 10 * time.Second},
			loop:            loop{count: 20},
			wantErr:         false,
			totalTimeBefore: 10 * time.Millisecond,
		},
		{
			name:            "rate closed",
			ctrArgs:         ctrArgs{burstSize: 0, interval: 10 * time.Second},
			loop:            loop{count: 20},
			wantErr:         true,
			close:           true,
			totalTimeBefore: 10 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRate(tt.ctrArgs.burstSize, tt.ctrArgs.interval)
			if tt.close {
				r.Close()
			}
			start := time.Now()
			for i := 0; i < tt.loop.count; i++ {
				if err := r.TakeContext(context.Background()); (err != nil) != tt.wantErr {
					t.Errorf("Rate.TakeContext() error = %v, wantErr %v", err, tt.wantErr)
				}
				time.Sleep(tt.loop.sleep)
			}
			endTime := time.Since(start)
			if endTime < tt.totalTimeAbove {
				t.Errorf("Rate.TakeContext() took not enough time, want %s, got %s", tt.totalTimeAbove, endTime)
			}
			if endTime > tt.totalTimeBefore {
				t.Errorf("Rate.TakeContext() took too much time, want %s, got %s", tt.totalTimeBefore, endTime)
			}
		})
	}
}

func TestWindow_Allow(t *testing.T) {
	w := NewWindow(2, time.Hour)

	for i := 0; i < 2; i++ {
		ok, _ := w.Allow()
		if !ok {
			t.Fatalf("Allow call %d denied", i)
		}
	}

	ok, retryAt := w.Allow()
	if ok {
		t.Fatal("Allow succeeded over the limit")
	}
	if until := time.Until(retryAt); until <= 0 || until > time.Hour {
		t.Errorf("retryAt out of range: %v", retryAt)
	}

	// Denied calls must not consume slots nor extend the window.
	_, retryAt2 := w.Allow()
	if !retryAt2.Equal(retryAt) {
		t.Errorf("retryAt changed between denied calls: %v != %v", retryAt2, retryAt)
	}
}

func TestWindow_Rollover(t *testing.T) {
	w := NewWindow(1, 50*time.Millisecond)

	if ok, _ := w.Allow(); !ok {
		t.Fatal("first Allow denied")
	}
	if ok, _ := w.Allow(); ok {
		t.Fatal("second Allow succeeded over the limit")
	}

	time.Sleep(60 * time.Millisecond)

	if ok, _ := w.Allow(); !ok {
		t.Fatal("Allow denied after window rollover")
	}
}

func TestWindow_Unlimited(t *testing.T) {
	w := NewWindow(0, time.Nanosecond)
	for i := 0; i < 100; i++ {
		if ok, _ := w.Allow(); !ok {
			t.Fatal("Allow denied for zero limit")
		}
	}
}

func TestKeyedWindow_PerKey(t *testing.T) {
	kw := NewKeyedWindow(1, time.Hour, 1000)

	if ok, _ := kw.Allow("example.org"); !ok {
		t.Fatal("first Allow denied")
	}
	if ok, _ := kw.Allow("example.org"); ok {
		t.Fatal("second Allow for the same key succeeded over the limit")
	}

	// Other keys have their own counters.
	if ok, _ := kw.Allow("example.com"); !ok {
		t.Fatal("Allow for a different key denied")
	}
}

func TestWindow_OversizedBatch(t *testing.T) {
	w := NewWindow(2, time.Hour)

	// A batch over the limit fits into an empty window, once.
	if ok, _ := w.AllowN(3); !ok {
		t.Fatal("oversized AllowN denied in an empty window")
	}
	if ok, _ := w.Allow(); ok {
		t.Fatal("Allow succeeded in a saturated window")
	}
	if ok, _ := w.AllowN(3); ok {
		t.Fatal("second oversized AllowN succeeded in a saturated window")
	}

	// A partially used window does not admit an oversized batch.
	w2 := NewWindow(2, time.Hour)
	if ok, _ := w2.Allow(); !ok {
		t.Fatal("first Allow denied")
	}
	ok, retryAt := w2.AllowN(3)
	if ok {
		t.Fatal("oversized AllowN succeeded in a partially used window")
	}
	if retryAt.IsZero() {
		t.Error("retryAt not set for denied oversized batch")
	}
}

func TestKeyedWindow_OversizedBatch(t *testing.T) {
	kw := NewKeyedWindow(1, time.Hour, 1000)

	if ok, _ := kw.AllowN("example.invalid", 5); !ok {
		t.Fatal("oversized AllowN denied in an empty window")
	}
	if ok, _ := kw.Allow("example.invalid"); ok {
		t.Fatal("Allow succeeded in a saturated window")
	}
}

func TestMultiLimit_Take(t *testing.T) {
	sem := NewSemaphore(1)
	rate := NewRate(2, time.Hour)
	defer rate.Close()

	ml := MultiLimit{Wrapped: []L{rate, sem}}
	if !ml.Take() {
		t.Fatal("Take failed with free wrapped limiters")
	}
	ml.Release()

	// Both wrapped limiters must have been released.
	if err := sem.TakeContext(timeoutCtx(t)); err != nil {
		t.Fatal("semaphore slot still held after Release:", err)
	}
	sem.Release()
}

func TestMultiLimit_ReleaseOnFailure(t *testing.T) {
	sem := NewSemaphore(1)
	rate := NewRate(1, time.Hour)
	defer rate.Close()
	rate.Take() // drain the initial token, the next Take blocks for an hour

	ml := MultiLimit{Wrapped: []L{sem, rate}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ml.TakeContext(ctx); err == nil {
		t.Fatal("TakeContext succeeded with an exhausted wrapped limiter")
	}

	// The semaphore slot acquired before the failure must be given back.
	if err := sem.TakeContext(timeoutCtx(t)); err != nil {
		t.Fatal("semaphore slot leaked by a failed TakeContext:", err)
	}
	sem.Release()
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}
