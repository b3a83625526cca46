package metrics

import (
	"github.com/animus-labs/conveyor/internal/execution/governor"
	"github.com/prometheus/client_golang/prometheus"
)

// GovernorSource is satisfied by *governor.Governor.
type GovernorSource interface {
	Snapshot() []governor.Usage
}

// GovernorCollector exports per-class slot usage at scrape time.
type GovernorCollector struct {
	source   GovernorSource
	inFlight *prometheus.Desc
	ceiling  *prometheus.Desc
}

func NewGovernorCollector(source GovernorSource) *GovernorCollector {
	return &GovernorCollector{
		source: source,
		inFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "governor", "in_flight"),
			"Slots currently held per concurrency class.",
			[]string{"class"}, nil,
		),
		ceiling: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "governor", "max_in_flight"),
			"Configured ceiling per concurrency class.",
			[]string{"class"}, nil,
		),
	}
}

func (c *GovernorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inFlight
	ch <- c.ceiling
}

func (c *GovernorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, usage := range c.source.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(usage.InUse), usage.Name)
		ch <- prometheus.MustNewConstMetric(c.ceiling, prometheus.GaugeValue, float64(usage.MaxInFlight), usage.Name)
	}
}
