package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RegistrationEntry is one live gateway registration for metrics labelling.
type RegistrationEntry struct {
	URI      string
	Username string
	Host     string
	Expired  bool
}

// RegistrationProvider exposes the current registration cache contents.
type RegistrationProvider interface {
	GetRegistrationEntries() []RegistrationEntry
}

// GatewayCounter returns gateway counts from the configuration store.
type GatewayCounter interface {
	CountGateways(ctx context.Context) (total, enabled int64, err error)
}

// Collector is a prometheus.Collector that gathers siprouted metrics at
// scrape time.
type Collector struct {
	registrations RegistrationProvider
	gateways      GatewayCounter
	startTime     time.Time

	registrationStatusDesc *prometheus.Desc
	registrationsDesc      *prometheus.Desc
	gatewaysDesc           *prometheus.Desc
	gatewaysEnabledDesc    *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(registrations RegistrationProvider, gateways GatewayCounter, startTime time.Time) *Collector {
	return &Collector{
		registrations: registrations,
		gateways:      gateways,
		startTime:     startTime,

		registrationStatusDesc: prometheus.NewDesc(
			"siprouted_gateway_registration_status",
			"Gateway registration status per binding (1=live, 0=expired)",
			[]string{"uri", "username", "host"}, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"siprouted_gateway_registrations",
			"Number of live gateway registrations in the cache",
			nil, nil,
		),
		gatewaysDesc: prometheus.NewDesc(
			"siprouted_gateways",
			"Number of configured gateways",
			nil, nil,
		),
		gatewaysEnabledDesc: prometheus.NewDesc(
			"siprouted_gateways_enabled",
			"Number of enabled gateways",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"siprouted_uptime_seconds",
			"Seconds since the siprouted process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationStatusDesc
	ch <- c.registrationsDesc
	ch <- c.gatewaysDesc
	ch <- c.gatewaysEnabledDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.registrations != nil {
		entries := c.registrations.GetRegistrationEntries()
		live := 0
		for _, e := range entries {
			val := 1.0
			if e.Expired {
				val = 0.0
			} else {
				live++
			}
			ch <- prometheus.MustNewConstMetric(
				c.registrationStatusDesc, prometheus.GaugeValue, val,
				e.URI, e.Username, e.Host,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue, float64(live),
		)
	}

	if c.gateways != nil {
		total, enabled, err := c.gateways.CountGateways(ctx)
		if err != nil {
			slog.Error("metrics: failed to count gateways", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.gatewaysDesc, prometheus.GaugeValue, float64(total),
			)
			ch <- prometheus.MustNewConstMetric(
				c.gatewaysEnabledDesc, prometheus.GaugeValue, float64(enabled),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
