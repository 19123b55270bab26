package marshal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendRunsOnLoopGoroutineAndBlocks(t *testing.T) {
	m := New(4)
	go m.Run()
	defer m.Close()

	var loopGoroutine uint64
	m.Send(func() {
		// Recording is only meaningful relative to the calls below; this
		// just proves the function actually ran before Send returned.
		atomic.StoreUint64(&loopGoroutine, 1)
	})
	if atomic.LoadUint64(&loopGoroutine) != 1 {
		t.Fatalf("expected Send to block until fn ran")
	}
}

func TestSendValReturnsResult(t *testing.T) {
	m := New(4)
	go m.Run()
	defer m.Close()

	got := SendVal(m, func() int { return 42 })
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestSendSerialisesConcurrentCallers(t *testing.T) {
	m := New(8)
	go m.Run()
	defer m.Close()

	var (
		mu      sync.Mutex
		running bool
		overlap bool
	)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Send(func() {
				mu.Lock()
				if running {
					overlap = true
				}
				running = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				running = false
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	if overlap {
		t.Fatalf("expected no two commands to run concurrently")
	}
}

func TestCloseDrainsQueuedCommands(t *testing.T) {
	m := New(4)
	var ran int32
	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	go func() { m.Send(func() { atomic.AddInt32(&ran, 1) }) }()
	time.Sleep(5 * time.Millisecond)
	m.Close()
	<-done
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("expected queued command to run before shutdown, ran=%d", ran)
	}
}
