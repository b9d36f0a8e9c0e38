package retentionmetrics

import (
	"sync"
	"testing"
	"time"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	m := &RetentionMetrics{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.AddItemsDeleted(1)
				m.AddItemsFailed(1)
			}
		}()
	}
	wg.Wait()

	if got := m.ItemsDeleted.Load(); got != 800 {
		t.Errorf("ItemsDeleted = %d, want 800", got)
	}
	if got := m.ItemsFailed.Load(); got != 800 {
		t.Errorf("ItemsFailed = %d, want 800", got)
	}
}

func TestProgressStartStop(t *testing.T) {
	m := &RetentionMetrics{}
	m.StartProgress("pruning", 10*time.Millisecond)
	m.AddItemsDeleted(3)
	time.Sleep(25 * time.Millisecond)
	m.StopProgress()

	// Stopping without a prior start must not panic.
	noop := &RetentionMetrics{}
	noop.StopProgress()
}
