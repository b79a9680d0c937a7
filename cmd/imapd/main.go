// Command imapd serves the IMAP4rev1 endpoint (spec §6) against a
// storage tree of Maildir folders. Grounded on cmd/spilld/main.go's
// flag/TLS/shutdown wiring, split into its own binary per protocol
// since this spec's imapserver/smtpd no longer share one process.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"

	"github.com/maildepot/maildepot/auth"
	"github.com/maildepot/maildepot/config"
	"github.com/maildepot/maildepot/imapserver"
	"github.com/maildepot/maildepot/internal/daemoncfg"
	"github.com/maildepot/maildepot/registry"
	"github.com/maildepot/maildepot/util/devcert"
)

func main() {
	flagConfig := flag.String("config", "", "path to a maildepot.toml config file")
	flagDev := flag.Bool("dev", false, "development mode: use a local mkcert-issued certificate")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{Name: "imapd", Level: hclog.Info})
	logf := func(format string, v ...interface{}) { logger.Info(fmt.Sprintf(format, v...)) }

	cfg := config.Default()
	if *flagConfig != "" {
		var err error
		cfg, err = config.Load(*flagConfig)
		if err != nil {
			logger.Error("cannot load config", "err", err)
			os.Exit(1)
		}
	}

	tlsConfig, err := loadTLSConfig(cfg, *flagDev)
	if err != nil {
		logger.Error("cannot configure TLS", "err", err)
		os.Exit(1)
	}

	backend, err := daemoncfg.NewAuthBackend(cfg)
	if err != nil {
		logger.Error("cannot configure auth backend", "err", err)
		os.Exit(1)
	}

	collector := daemoncfg.NewMetrics()

	srv := &imapserver.Server{
		Hostname:    cfg.Server.Hostname,
		StorageRoot: cfg.Server.StorageDir,
		Auth:        &auth.Authenticator{Backend: backend},
		TLSConfig:   tlsConfig,
		Metrics:     collector,
		Logf:        logf,
		Registries:  registry.NewCache(),
	}

	ln, err := net.Listen("tcp", cfg.Imapd.ListenAddr)
	if err != nil {
		logger.Error("cannot listen", "addr", cfg.Imapd.ListenAddr, "err", err)
		os.Exit(1)
	}
	logger.Info("imapd listening", "addr", ln.Addr())

	if cfg.Server.MetricsTCP != "" {
		go serveMetrics(cfg.Server.MetricsTCP, logf)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		logger.Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	case err := <-serveErr:
		if err != nil && err != imapserver.ErrServerClosed {
			logger.Error("serve error", "err", err)
			os.Exit(1)
		}
	}
}

func loadTLSConfig(cfg config.File, dev bool) (*tls.Config, error) {
	if dev {
		return devcert.Config()
	}
	if cfg.Server.TLSCert == "" || cfg.Server.TLSKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func serveMetrics(addr string, logf func(string, ...interface{})) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", daemoncfg.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logf("metrics server error: %v", err)
	}
}
