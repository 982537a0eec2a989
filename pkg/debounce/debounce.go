// Package debounce folds a bursty stream of state.Op values into
// batches, emitting a batch once the input goes quiet for a fixed
// duration or once the pending batch reaches a capacity bound.
package debounce

import (
	"context"
	"time"

	"github.com/getbettr/epok/pkg/state"
)

// DefaultDuration is the quiet period a burst of ops must observe
// before being emitted as a batch.
const DefaultDuration = 500 * time.Millisecond

// DefaultCapacity bounds how many ops accumulate in a single batch
// before it is emitted early, regardless of the quiet period.
const DefaultCapacity = 256

// Debouncer reads state.Op values from In and emits debounced batches
// on Out.
type Debouncer struct {
	In       <-chan state.Op
	Out      chan []state.Op
	Duration time.Duration
	Capacity int
}

// New returns a Debouncer reading from in. Call Run to start it.
func New(in <-chan state.Op, duration time.Duration, capacity int) *Debouncer {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Debouncer{
		In:       in,
		Out:      make(chan []state.Op),
		Duration: duration,
		Capacity: capacity,
	}
}

// Run drains In, emitting a batch on Out whenever the input goes quiet
// for Duration or the pending batch reaches Capacity. It returns when
// In is closed, after flushing anything still pending, and closes Out.
func (d *Debouncer) Run(ctx context.Context) {
	defer close(d.Out)

	var queue []state.Op
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	emit := func() {
		batch := queue
		queue = nil
		stopTimer()
		select {
		case d.Out <- batch:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case op, ok := <-d.In:
			if !ok {
				if len(queue) > 0 {
					emit()
				}
				return
			}
			queue = append(queue, op)
			if len(queue) >= d.Capacity {
				emit()
				continue
			}
			stopTimer()
			timer = time.NewTimer(d.Duration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if len(queue) > 0 {
				emit()
			}
		}
	}
}
