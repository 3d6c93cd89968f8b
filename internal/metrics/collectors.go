package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ToolSpend is the budget view the collector exports per tool
type ToolSpend struct {
	ToolID           string
	Daily            float64
	Monthly          float64
	DailyRemaining   float64 // negative when unlimited
	ProjectedMonthly float64
}

// Sources are read at scrape time. Any of them may be nil.
type Sources struct {
	QueueDepth    func() map[string]int // by priority
	QueueDelayed  func() int
	Running       func() int
	RateWindows   func() int
	CacheEntries  func() int
	BudgetLedgers func() []ToolSpend
}

// EngineCollector exports engine state that is cheaper to read on scrape
// than to maintain as gauges
type EngineCollector struct {
	src Sources

	queueDepth       *prometheus.Desc
	queueDelayed     *prometheus.Desc
	running          *prometheus.Desc
	rateWindows      *prometheus.Desc
	cacheEntries     *prometheus.Desc
	spendDaily       *prometheus.Desc
	spendMonthly     *prometheus.Desc
	dailyRemaining   *prometheus.Desc
	projectedMonthly *prometheus.Desc
}

// NewEngineCollector creates a collector over the given sources
func NewEngineCollector(src Sources) *EngineCollector {
	return &EngineCollector{
		src: src,
		queueDepth: prometheus.NewDesc(
			"switchyard_queue_depth",
			"Records ready to run, by priority tier",
			[]string{"priority"}, nil,
		),
		queueDelayed: prometheus.NewDesc(
			"switchyard_queue_delayed",
			"Records waiting out a retry backoff",
			nil, nil,
		),
		running: prometheus.NewDesc(
			"switchyard_executions_running",
			"Attempts currently in flight",
			nil, nil,
		),
		rateWindows: prometheus.NewDesc(
			"switchyard_rate_windows",
			"Live (tool, caller) admission windows",
			nil, nil,
		),
		cacheEntries: prometheus.NewDesc(
			"switchyard_cache_entries",
			"Entries held by the in-process result cache",
			nil, nil,
		),
		spendDaily: prometheus.NewDesc(
			"switchyard_budget_daily_spend_usd",
			"Spend since local midnight",
			[]string{"tool"}, nil,
		),
		spendMonthly: prometheus.NewDesc(
			"switchyard_budget_monthly_spend_usd",
			"Spend since the 1st of the month",
			[]string{"tool"}, nil,
		),
		dailyRemaining: prometheus.NewDesc(
			"switchyard_budget_daily_remaining_usd",
			"Remaining daily budget, absent for unlimited tools",
			[]string{"tool"}, nil,
		),
		projectedMonthly: prometheus.NewDesc(
			"switchyard_budget_projected_monthly_usd",
			"Month-end spend projected from today's spend",
			[]string{"tool"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueDelayed
	ch <- c.running
	ch <- c.rateWindows
	ch <- c.cacheEntries
	ch <- c.spendDaily
	ch <- c.spendMonthly
	ch <- c.dailyRemaining
	ch <- c.projectedMonthly
}

// Collect implements prometheus.Collector
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.QueueDepth != nil {
		for priority, n := range c.src.QueueDepth() {
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(n), priority)
		}
	}
	gauge(ch, c.queueDelayed, c.src.QueueDelayed)
	gauge(ch, c.running, c.src.Running)
	gauge(ch, c.rateWindows, c.src.RateWindows)
	gauge(ch, c.cacheEntries, c.src.CacheEntries)

	if c.src.BudgetLedgers == nil {
		return
	}
	for _, s := range c.src.BudgetLedgers() {
		ch <- prometheus.MustNewConstMetric(c.spendDaily, prometheus.GaugeValue, s.Daily, s.ToolID)
		ch <- prometheus.MustNewConstMetric(c.spendMonthly, prometheus.GaugeValue, s.Monthly, s.ToolID)
		ch <- prometheus.MustNewConstMetric(c.projectedMonthly, prometheus.GaugeValue, s.ProjectedMonthly, s.ToolID)
		if s.DailyRemaining >= 0 {
			ch <- prometheus.MustNewConstMetric(c.dailyRemaining, prometheus.GaugeValue, s.DailyRemaining, s.ToolID)
		}
	}
}

func gauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, fn func() int) {
	if fn == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(fn()))
}

// RegisterCollector registers the engine collector
func RegisterCollector(c *EngineCollector) {
	prometheus.MustRegister(c)
}
