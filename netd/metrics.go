// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package netd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"kernelnet.dev/device"
)

type metrics struct {
	polls        prometheus.Counter
	pollErrors   prometheus.Counter
	busySkips    prometheus.Counter
	waits        prometheus.Counter
	earlyWakeups prometheus.Counter
	pollDuration prometheus.Histogram
}

// checkedRegisterer records the first registration failure instead of
// panicking. undo unregisters the collectors registered before it.
type checkedRegisterer struct {
	reg  prometheus.Registerer
	done []prometheus.Collector
	err  error
}

func (r *checkedRegisterer) Register(c prometheus.Collector) error {
	if r.err != nil {
		return r.err
	}
	if err := r.reg.Register(c); err != nil {
		r.err = err
		return err
	}
	r.done = append(r.done, c)
	return nil
}

func (r *checkedRegisterer) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		r.Register(c)
	}
}

func (r *checkedRegisterer) Unregister(c prometheus.Collector) bool {
	return r.reg.Unregister(c)
}

func (r *checkedRegisterer) undo() {
	for _, c := range r.done {
		r.reg.Unregister(c)
	}
	r.done = nil
}

// newMetrics creates the daemon's metrics, registering them with reg
// if it is non-nil. counters returns the device counters once the link
// is up, or nil before that. Each daemon needs its own registerer (or
// one wrapped with distinguishing labels); a name already registered
// with reg is an error and leaves reg unchanged.
func newMetrics(reg prometheus.Registerer, counters func() *device.Counters) (*metrics, error) {
	var cr *checkedRegisterer
	f := promauto.With(nil)
	if reg != nil {
		cr = &checkedRegisterer{reg: reg}
		f = promauto.With(cr)
	}
	m := &metrics{
		polls: f.NewCounter(prometheus.CounterOpts{
			Name: "netd_polls_total",
			Help: "Poll cycles run by the daemon",
		}),
		pollErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netd_poll_errors_total",
			Help: "Poll cycles that returned an error",
		}),
		busySkips: f.NewCounter(prometheus.CounterOpts{
			Name: "netd_busy_poll_skips_total",
			Help: "Waits skipped because the kernel was busy polling",
		}),
		waits: f.NewCounter(prometheus.CounterOpts{
			Name: "netd_waits_total",
			Help: "Timed waits on the packet semaphore",
		}),
		earlyWakeups: f.NewCounter(prometheus.CounterOpts{
			Name: "netd_early_wakeups_total",
			Help: "Waits ended by a semaphore post before the timeout",
		}),
		pollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name: "netd_poll_duration_seconds",
			Help: "Time spent in one poll cycle",
			// 12 buckets from 1us to 100ms.
			Buckets: prometheus.ExponentialBucketsRange(1e-6, 0.1, 12),
		}),
	}
	deviceCounter := func(name, help string, load func(*device.Counters) uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			c := counters()
			if c == nil {
				return 0
			}
			return float64(load(c))
		})
	}
	deviceCounter("netd_rx_frames_total", "Frames read from the device",
		func(c *device.Counters) uint64 { return c.RxFrames.Load() })
	deviceCounter("netd_tx_frames_total", "Frames written to the device",
		func(c *device.Counters) uint64 { return c.TxFrames.Load() })
	deviceCounter("netd_tx_errors_total", "Frames the device failed to write",
		func(c *device.Counters) uint64 { return c.TxErrors.Load() })
	if cr != nil && cr.err != nil {
		cr.undo()
		return nil, fmt.Errorf("registering metrics: %w", cr.err)
	}
	return m, nil
}
