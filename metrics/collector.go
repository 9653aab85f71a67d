// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package metrics exports gal device statistics to Prometheus.
//
//	c := metrics.NewCollector(dev)
//	prometheus.MustRegister(c)
//	http.Handle("/metrics", promhttp.Handler())
//
// The collector reads Device.Stats on every scrape; it adds no cost to
// the submission path.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gal"
)

const namespace = "gal"

var deviceLabels = []string{"device", "label", "backend"}

// Collector is a prometheus.Collector over the Stats of a set of devices.
// Closed devices are dropped on the next scrape.
type Collector struct {
	mu      sync.Mutex
	devices []*gal.Device

	live          *prometheus.Desc
	submissions   *prometheus.Desc
	commandBufs   *prometheus.Desc
	fenceWaits    *prometheus.Desc
	fenceTimeouts *prometheus.Desc
	presents      *prometheus.Desc
	pendingSems   *prometheus.Desc
	pendingCBs    *prometheus.Desc
	queuesTaken   *prometheus.Desc

	shaderHits   *prometheus.Desc
	shaderMisses *prometheus.Desc
}

// NewCollector returns a collector for devs.
func NewCollector(devs ...*gal.Device) *Collector {
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "device", name), help,
			append(append([]string(nil), deviceLabels...), extra...), nil)
	}
	return &Collector{
		devices:       devs,
		live:          desc("live_objects", "Unreleased objects per kind.", "kind"),
		submissions:   desc("submissions_total", "Submission batches handed to queues."),
		commandBufs:   desc("submitted_command_buffers_total", "Command buffers submitted."),
		fenceWaits:    desc("fence_waits_total", "Fence waits performed."),
		fenceTimeouts: desc("fence_timeouts_total", "Fence waits that timed out."),
		presents:      desc("presents_total", "Surface images presented."),
		pendingSems:   desc("pending_semaphores", "Semaphore signals not yet consumed by a wait."),
		pendingCBs:    desc("pending_command_buffers", "Submitted command buffers not yet retired."),
		queuesTaken:   desc("queues_taken", "Queues currently claimed."),
		shaderHits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "shader_cache", "hits_total"),
			"WGSL compilations served from the cache.", nil, nil),
		shaderMisses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "shader_cache", "misses_total"),
			"WGSL compilations translated by the compiler.", nil, nil),
	}
}

// Add starts collecting d.
func (c *Collector) Add(d *gal.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, d)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.live, c.submissions, c.commandBufs, c.fenceWaits, c.fenceTimeouts,
		c.presents, c.pendingSems, c.pendingCBs, c.queuesTaken,
		c.shaderHits, c.shaderMisses,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	kept := c.devices[:0]
	for _, d := range c.devices {
		if !d.Closed() {
			kept = append(kept, d)
		}
	}
	c.devices = kept
	devs := append([]*gal.Device(nil), kept...)
	c.mu.Unlock()

	sc := gal.CompiledShaderStats()
	ch <- prometheus.MustNewConstMetric(c.shaderHits, prometheus.CounterValue, float64(sc.Hits))
	ch <- prometheus.MustNewConstMetric(c.shaderMisses, prometheus.CounterValue, float64(sc.Misses))

	for _, d := range devs {
		s := d.Stats()
		labels := []string{d.ID().String(), d.Label(), d.Backend()}
		counter := func(desc *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
		}
		gauge := func(desc *prometheus.Desc, v int, extra ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), append(labels, extra...)...)
		}
		for kind, n := range s.Live {
			gauge(c.live, n, kind.String())
		}
		counter(c.submissions, s.Submissions)
		counter(c.commandBufs, s.SubmittedCommandBuffers)
		counter(c.fenceWaits, s.FenceWaits)
		counter(c.fenceTimeouts, s.FenceTimeouts)
		counter(c.presents, s.Presents)
		gauge(c.pendingSems, s.PendingSemaphores)
		gauge(c.pendingCBs, s.PendingCommandBuffers)
		gauge(c.queuesTaken, s.QueuesTaken)
	}
}
