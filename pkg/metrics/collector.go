package metrics

import (
	"time"

	"github.com/getbettr/epok/pkg/state"
	"github.com/getbettr/epok/pkg/types"
)

// Collector periodically samples a live State snapshot and publishes
// its resource counts as gauges.
type Collector struct {
	snapshot func() *state.State
	stopCh   chan struct{}
}

// NewCollector returns a Collector sampling snapshot every 15s once
// started.
func NewCollector(snapshot func() *state.State) *Collector {
	return &Collector{
		snapshot: snapshot,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling on a 15s ticker, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	s := c.snapshot()
	if s == nil {
		return
	}
	NodesTotal.Set(float64(len(state.Get[types.Node](s, types.KindNode))))
	ServicesTotal.Set(float64(len(state.Get[types.Service](s, types.KindService))))
	PodsTotal.Set(float64(len(state.Get[types.Pod](s, types.KindPod))))
}
