package mirror

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-spread/pkg/changemarker"
	"github.com/paulschiretz/pgl-spread/pkg/copier"
	"github.com/paulschiretz/pgl-spread/pkg/filter"
	"github.com/paulschiretz/pgl-spread/pkg/metrics"
	"github.com/paulschiretz/pgl-spread/pkg/plog"
	"github.com/paulschiretz/pgl-spread/pkg/pool"
)

const (
	// DefaultDiffQuantum is the number of merge steps per destination and pulse.
	DefaultDiffQuantum = 100_000
	// sweepDivisor scales the diff quantum down for the change-marker sweep,
	// which costs a stat per element.
	sweepDivisor = 40
	// ReportTimeout bounds how long a progress request waits for a busy task.
	ReportTimeout = time.Second
)

// Destination is one mirror target of a task.
type Destination struct {
	Dir    string
	Filter filter.Spec
}

// Config describes a task and the shared services it uses.
type Config struct {
	Source       string
	Destinations []Destination
	// UseChangeMarker enables the change-marker recopy policy.
	UseChangeMarker bool

	TempSuffix  string
	DiffQuantum int

	Marker  changemarker.Marker
	Buffers *pool.ChunkPool
	Metrics metrics.Metrics
	Log     *plog.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("task for %s has no destinations", c.Source)
	}
	if c.TempSuffix == "" {
		c.TempSuffix = copier.DefaultTempSuffix
	}
	if c.DiffQuantum <= 0 {
		c.DiffQuantum = DefaultDiffQuantum
	}
	if c.Marker == nil {
		c.Marker = changemarker.New()
	}
	if c.Buffers == nil {
		c.Buffers = pool.NewChunkPool(copier.DefaultChunkSize)
	}
	if c.Metrics == nil {
		c.Metrics = &metrics.NoopMetrics{}
	}
	if c.Log == nil {
		c.Log = plog.Discard()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}
