// Package metrics exposes loot counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// KindOther collects failures of kinds not registered with NewReport.
const KindOther = "other"

// Report holds the live counters.
type Report struct {
	StartedAt time.Time

	Opens       atomic.Uint64
	ItemsIssued atomic.Uint64
	LotsCreated atomic.Uint64
	Withdrawals atomic.Uint64
	Draws       [option.NumClasses]atomic.Uint64
	Received    atomic.Uint64

	failures map[string]*atomic.Uint64
}

// NewReport creates a report tracking the given failure kinds.
func NewReport(kinds ...string) *Report {
	r := &Report{StartedAt: time.Now(), failures: make(map[string]*atomic.Uint64, len(kinds)+1)}
	for _, k := range kinds {
		r.failures[k] = atomic.NewUint64(0)
	}
	r.failures[KindOther] = atomic.NewUint64(0)
	return r
}

// Fail counts one failed call of the given kind.
func (r *Report) Fail(kind string) {
	c, ok := r.failures[kind]
	if !ok {
		c = r.failures[KindOther]
	}
	c.Inc()
}

// Failures returns the count for kind.
func (r *Report) Failures(kind string) uint64 {
	if c, ok := r.failures[kind]; ok {
		return c.Load()
	}
	return 0
}

// Collector adapts a Report to prometheus.Collector.
type Collector struct {
	report *Report
	paused func() bool

	UpForSeconds *prometheus.Desc
	Opens        *prometheus.Desc
	ItemsIssued  *prometheus.Desc
	LotsCreated  *prometheus.Desc
	Withdrawals  *prometheus.Desc
	Draws        *prometheus.Desc
	Failures     *prometheus.Desc
	Received     *prometheus.Desc
	Paused       *prometheus.Desc
}

// NewCollector creates a collector over report. paused may be nil.
func NewCollector(report *Report, paused func() bool) *Collector {
	return &Collector{
		report:       report,
		paused:       paused,
		UpForSeconds: prometheus.NewDesc("loot_up_for_seconds", "Seconds since the daemon started.", nil, nil),
		Opens:        prometheus.NewDesc("loot_opens_total", "Successful opens.", nil, nil),
		ItemsIssued:  prometheus.NewDesc("loot_items_issued_total", "Items issued by successful opens.", nil, nil),
		LotsCreated:  prometheus.NewDesc("loot_lots_created_total", "Token lots created on first draw of a class.", nil, nil),
		Withdrawals:  prometheus.NewDesc("loot_withdrawals_total", "Treasury withdrawals.", nil, nil),
		Draws:        prometheus.NewDesc("loot_draws_total", "Committed draws per class.", []string{"class"}, nil),
		Failures:     prometheus.NewDesc("loot_open_failures_total", "Rejected opens per failure kind.", []string{"kind"}, nil),
		Received:     prometheus.NewDesc("loot_gossip_received_total", "Open events received from peers.", nil, nil),
		Paused:       prometheus.NewDesc("loot_paused", "1 while opens are paused.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.UpForSeconds
	ch <- c.Opens
	ch <- c.ItemsIssued
	ch <- c.LotsCreated
	ch <- c.Withdrawals
	ch <- c.Draws
	ch <- c.Failures
	ch <- c.Received
	ch <- c.Paused
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.report
	ch <- prometheus.MustNewConstMetric(c.UpForSeconds, prometheus.GaugeValue, time.Since(r.StartedAt).Seconds())
	ch <- prometheus.MustNewConstMetric(c.Opens, prometheus.CounterValue, float64(r.Opens.Load()))
	ch <- prometheus.MustNewConstMetric(c.ItemsIssued, prometheus.CounterValue, float64(r.ItemsIssued.Load()))
	ch <- prometheus.MustNewConstMetric(c.LotsCreated, prometheus.CounterValue, float64(r.LotsCreated.Load()))
	ch <- prometheus.MustNewConstMetric(c.Withdrawals, prometheus.CounterValue, float64(r.Withdrawals.Load()))
	ch <- prometheus.MustNewConstMetric(c.Received, prometheus.CounterValue, float64(r.Received.Load()))
	for i := range r.Draws {
		ch <- prometheus.MustNewConstMetric(c.Draws, prometheus.CounterValue, float64(r.Draws[i].Load()), option.Class(i).String())
	}
	for kind, n := range r.failures {
		ch <- prometheus.MustNewConstMetric(c.Failures, prometheus.CounterValue, float64(n.Load()), kind)
	}
	var paused float64
	if c.paused != nil && c.paused() {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(c.Paused, prometheus.GaugeValue, paused)
}

// Handler returns an HTTP handler serving the collector on its own registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
