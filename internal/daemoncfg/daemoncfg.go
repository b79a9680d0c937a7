// Package daemoncfg holds the config-to-backend wiring shared by
// cmd/imapd and cmd/smtpd so the two launchers build an identical
// auth.Authenticator and metrics setup from the same config.File.
package daemoncfg

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maildepot/maildepot/auth"
	"github.com/maildepot/maildepot/config"
	"github.com/maildepot/maildepot/metrics"
)

// NewAuthBackend constructs the configured auth.Backend.
func NewAuthBackend(cfg config.File) (auth.Backend, error) {
	switch cfg.Auth.Backend {
	case "", "flatfile":
		if cfg.Auth.FlatFilePath == "" {
			return nil, fmt.Errorf("daemoncfg: auth.flatfile_path is required for the flatfile backend")
		}
		return &auth.FlatFile{Path: cfg.Auth.FlatFilePath}, nil
	case "ldap":
		if cfg.Auth.LDAPAddr == "" || cfg.Auth.LDAPBindDN == "" {
			return nil, fmt.Errorf("daemoncfg: auth.ldap_addr and auth.ldap_bind_dn are required for the ldap backend")
		}
		return &auth.LDAP{Addr: cfg.Auth.LDAPAddr, BindDNTmpl: cfg.Auth.LDAPBindDN}, nil
	default:
		return nil, fmt.Errorf("daemoncfg: unknown auth backend %q", cfg.Auth.Backend)
	}
}

// NewMetrics registers a Collector against the default Prometheus
// registry, so both daemons' counters show up on one /metrics scrape
// when they happen to share a process (tests), and independently
// otherwise.
func NewMetrics() *metrics.Collector {
	return metrics.NewCollector(prometheus.DefaultRegisterer)
}

// MetricsHandler serves the shared registry's /metrics endpoint.
func MetricsHandler() http.Handler {
	return metrics.Handler()
}
