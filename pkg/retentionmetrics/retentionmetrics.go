package retentionmetrics

import (
	"sync/atomic"
	"time"

	"github.com/alfops/alf-backup/pkg/plog"
)

// Metrics defines the interface for collecting and reporting retention statistics.
type Metrics interface {
	AddItemsDeleted(n int64)
	AddItemsFailed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RetentionMetrics holds the atomic counters for tracking the retention operation's progress.
type RetentionMetrics struct {
	ItemsDeleted atomic.Int64
	ItemsFailed  atomic.Int64

	stopChan chan struct{}
}

func (m *RetentionMetrics) AddItemsDeleted(n int64) { m.ItemsDeleted.Add(n) }
func (m *RetentionMetrics) AddItemsFailed(n int64)  { m.ItemsFailed.Add(n) }

func (m *RetentionMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *RetentionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

func (m *RetentionMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"items_deleted", m.ItemsDeleted.Load(),
		"items_failed", m.ItemsFailed.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddItemsDeleted(n int64)                          {}
func (m *NoopMetrics) AddItemsFailed(n int64)                           {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RetentionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
