// Package metrics exposes server counters as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records connection and command counts for both daemons.
type Collector struct {
	IMAPConnections  prometheus.Counter
	IMAPCommands     *prometheus.CounterVec
	SMTPConnections  prometheus.Counter
	SMTPMessages     prometheus.Counter
	SMTPMessageBytes prometheus.Counter
	AuthFailures     *prometheus.CounterVec
}

// NewCollector registers a fresh set of collectors with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		IMAPConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildepot_imap_connections_total",
			Help: "Total IMAP connections accepted.",
		}),
		IMAPCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maildepot_imap_commands_total",
			Help: "Total IMAP commands processed, by command name.",
		}, []string{"command"}),
		SMTPConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildepot_smtp_connections_total",
			Help: "Total SMTP connections accepted.",
		}),
		SMTPMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildepot_smtp_messages_total",
			Help: "Total messages accepted via SMTP submission.",
		}),
		SMTPMessageBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "maildepot_smtp_message_bytes_total",
			Help: "Total bytes of message data accepted via SMTP submission.",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maildepot_auth_failures_total",
			Help: "Total authentication failures, by protocol.",
		}, []string{"protocol"}),
	}
}

// Handler serves the metrics endpoint expected by a Prometheus scraper.
func Handler() http.Handler {
	return promhttp.Handler()
}
