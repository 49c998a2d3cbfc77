package metrics

import (
	"sync/atomic"

	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/util"
)

// Metrics collects mirroring statistics.
type Metrics interface {
	AddFilesScanned(n int64)
	AddFilesCopied(n int64)
	AddFilesFailed(n int64)
	AddFilesSkippedClean(n int64)
	AddBytesWritten(n int64)
	AddRefreshes(n int64)
	Log(log *plog.Logger)
}

// SpreadMetrics holds the atomic counters for tracking mirroring progress.
// It is the concrete implementation of the Metrics interface.
type SpreadMetrics struct {
	FilesScanned      atomic.Int64
	FilesCopied       atomic.Int64
	FilesFailed       atomic.Int64
	FilesSkippedClean atomic.Int64
	BytesWritten      atomic.Int64
	Refreshes         atomic.Int64
}

func (m *SpreadMetrics) AddFilesScanned(n int64)      { m.FilesScanned.Add(n) }
func (m *SpreadMetrics) AddFilesCopied(n int64)       { m.FilesCopied.Add(n) }
func (m *SpreadMetrics) AddFilesFailed(n int64)       { m.FilesFailed.Add(n) }
func (m *SpreadMetrics) AddFilesSkippedClean(n int64) { m.FilesSkippedClean.Add(n) }
func (m *SpreadMetrics) AddBytesWritten(n int64)      { m.BytesWritten.Add(n) }
func (m *SpreadMetrics) AddRefreshes(n int64)         { m.Refreshes.Add(n) }

// Log prints a summary of the counters.
func (m *SpreadMetrics) Log(log *plog.Logger) {
	log.Info("SUM",
		"filesScanned", m.FilesScanned.Load(),
		"filesCopied", m.FilesCopied.Load(),
		"filesFailed", m.FilesFailed.Load(),
		"filesSkippedClean", m.FilesSkippedClean.Load(),
		"bytesWritten", util.ByteCountIEC(m.BytesWritten.Load()),
		"refreshes", m.Refreshes.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesScanned(n int64)      {}
func (m *NoopMetrics) AddFilesCopied(n int64)       {}
func (m *NoopMetrics) AddFilesFailed(n int64)       {}
func (m *NoopMetrics) AddFilesSkippedClean(n int64) {}
func (m *NoopMetrics) AddBytesWritten(n int64)      {}
func (m *NoopMetrics) AddRefreshes(n int64)         {}
func (m *NoopMetrics) Log(log *plog.Logger)         {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SpreadMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
