// Command ss-remote runs the remote Shadowsocks endpoint: it terminates the
// encrypted channel and forwards plaintext traffic to arbitrary TCP
// destinations.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logging "github.com/op/go-logging"

	"github.com/ocfbnj/ssgo/acl"
	"github.com/ocfbnj/ssgo/config"
	"github.com/ocfbnj/ssgo/metrics"
	"github.com/ocfbnj/ssgo/remote"
)

var log = logging.MustGetLogger("ss-remote")

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	configureLogging(cfg.LogLevel)

	var rules *acl.ACL
	if cfg.ACLPath != "" {
		rules, err = acl.Load(cfg.ACLPath)
		if err != nil {
			log.Fatalf("failed to load ACL: %v", err)
		}
	}

	metricsSink := buildMetrics(cfg)

	endpoint, err := remote.New(cfg, rules, metricsSink)
	if err != nil {
		log.Fatalf("failed to start remote endpoint: %v", err)
	}
	log.Infof("remote endpoint listening on %v", endpoint.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		endpoint.Stop()
	}()

	endpoint.Start()
}

func buildMetrics(cfg *config.Config) metrics.ShadowsocksMetrics {
	if cfg.MetricsAddr == "" {
		return metrics.NoOpMetrics{}
	}

	var geoIP *geoip2.Reader
	if cfg.GeoIPDBPath != "" {
		reader, err := geoip2.Open(cfg.GeoIPDBPath)
		if err != nil {
			log.Warningf("failed to open GeoIP database, location tagging disabled: %v", err)
		} else {
			geoIP = reader
		}
	}

	registry := prometheus.NewRegistry()
	sink := metrics.NewPrometheusMetrics(geoIP, registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()
	log.Infof("metrics listening on %s", cfg.MetricsAddr)

	return sink
}

func configureLogging(level string) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)

	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.INFO
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
}
