package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/streamquest/telemetry"
)

func TestKeyed_SameKeyIsFIFO(t *testing.T) {
	q := NewKeyed()
	var mu sync.Mutex
	var order []int
	var running, maxRunning atomic.Int32

	var results []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		results = append(results, q.Enqueue(context.Background(), "carte|alice", func(context.Context) error {
			if n := running.Add(1); n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}))
	}
	for _, r := range results {
		if err := <-r; err != nil {
			t.Fatalf("task error: %v", err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if maxRunning.Load() != 1 {
		t.Errorf("max concurrent tasks for one key = %d, want 1", maxRunning.Load())
	}
	q.Wait()
	if q.Len() != 0 {
		t.Errorf("Len = %d after drain, want 0", q.Len())
	}
}

func TestKeyed_DifferentKeysRunConcurrently(t *testing.T) {
	q := NewKeyed()
	release := make(chan struct{})
	started := make(chan string, 2)
	for _, k := range []string{"a", "b"} {
		k := k
		q.Enqueue(context.Background(), k, func(context.Context) error {
			started <- k
			<-release
			return nil
		})
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("keys did not run concurrently")
		}
	}
	close(release)
	q.Wait()
}

func TestKeyed_ErrorsAndPanicsDoNotBlockTheKey(t *testing.T) {
	q := NewKeyed()
	boom := errors.New("boom")
	r1 := q.Enqueue(context.Background(), "k", func(context.Context) error { return boom })
	r2 := q.Enqueue(context.Background(), "k", func(context.Context) error { panic("kaboom") })
	var ran bool
	r3 := q.Enqueue(context.Background(), "k", func(context.Context) error { ran = true; return nil })

	if err := <-r1; !errors.Is(err, boom) {
		t.Errorf("r1 = %v", err)
	}
	if err := <-r2; err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("r2 = %v, want panic error", err)
	}
	if err := <-r3; err != nil || !ran {
		t.Errorf("r3 = %v ran=%v", err, ran)
	}
}

func TestKeyed_CanceledContextSkipsTask(t *testing.T) {
	q := NewKeyed()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran bool
	err := <-q.Enqueue(ctx, "k", func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Errorf("err = %v ran = %v", err, ran)
	}
}

func TestKeyed_EnqueueWhileRunning(t *testing.T) {
	q := NewKeyed()
	var count atomic.Int32
	var inner <-chan error
	outer := q.Enqueue(context.Background(), "k", func(ctx context.Context) error {
		inner = q.Enqueue(ctx, "k", func(context.Context) error { count.Add(1); return nil })
		count.Add(1)
		return nil
	})
	if err := <-outer; err != nil {
		t.Fatal(err)
	}
	if err := <-inner; err != nil {
		t.Fatal(err)
	}
	q.Wait()
	if count.Load() != 2 {
		t.Errorf("count = %d", count.Load())
	}
}

func TestKeyed_QueueDepthGauge(t *testing.T) {
	q := NewKeyed()
	before := testutil.ToFloat64(telemetry.QueueDepth)
	release := make(chan struct{})
	var results []<-chan error
	for i := 0; i < 3; i++ {
		results = append(results, q.Enqueue(context.Background(), "g"+strconv.Itoa(i%2), func(context.Context) error {
			<-release
			return nil
		}))
	}
	if got := testutil.ToFloat64(telemetry.QueueDepth); got != before+3 {
		t.Errorf("queue depth = %v, want %v", got, before+3)
	}
	close(release)
	for _, r := range results {
		<-r
	}
	q.Wait()
	if got := testutil.ToFloat64(telemetry.QueueDepth); got != before {
		t.Errorf("queue depth after drain = %v, want %v", got, before)
	}
}
