// Command ohtcorectl brings up the firmware core against a real or fake
// serial bus, runs one address-range scan, and prints the resulting
// registry before exiting.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oht50/firmware-core/config"
	"github.com/oht50/firmware-core/oht"
	"github.com/oht50/firmware-core/rtu/serialport"
)

func main() {
	device := flag.String("device", "/dev/ttyUSB0", "serial device path")
	baud := flag.Int("baud", 115200, "baud rate")
	configPath := flag.String("config", "", "path to a YAML config file (defaults to the built-in criticality matrix)")
	scanStart := flag.Int("scan-start", 0x02, "first address to scan (inclusive)")
	scanEnd := flag.Int("scan-end", 0x08, "last address to scan (inclusive)")
	persistPath := flag.String("persist", "", "path to a registry snapshot to load at startup")
	runFor := flag.Duration("run", 0, "how long to run the poll/safety loop after scanning (0 = skip)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus /metrics on (empty = disabled)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ohtcorectl: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	portCfg := serialport.DefaultConfig(*device)
	portCfg.BaudRate = *baud
	port, err := serialport.New(portCfg)
	if err != nil {
		logger.Fatal("serial port configuration rejected", zap.Error(err))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	cfg.ScanStart, cfg.ScanEnd = uint8(*scanStart), uint8(*scanEnd)

	var metricsReg prometheus.Registerer
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metricsReg = reg
		serveMetrics(logger, *metricsAddr, reg)
	}

	core := oht.New(oht.Deps{
		Config: cfg, Port: port, Logger: logger,
		MetricsRegisterer: metricsReg, BusName: *device,
	})
	if err := core.Open(); err != nil {
		logger.Fatal("open bus failed", zap.Error(err))
	}
	defer core.Close()

	if *persistPath != "" {
		if err := loadPersisted(core, *persistPath); err != nil {
			logger.Warn("persisted registry load skipped", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("scanning bus", zap.Uint8("start", cfg.ScanStart), zap.Uint8("end", cfg.ScanEnd))
	if err := core.Scan(ctx, cfg.ScanStart, cfg.ScanEnd); err != nil {
		logger.Fatal("scan failed", zap.Error(err))
	}

	printRegistry(core)

	if *runFor > 0 {
		runCtx, runCancel := context.WithTimeout(context.Background(), *runFor)
		defer runCancel()
		logger.Info("running poll/safety loop", zap.Duration("for", *runFor))
		core.Run(runCtx)
		printRegistry(core)
	}

	if *persistPath != "" {
		if err := savePersisted(core, *persistPath); err != nil {
			logger.Warn("persisted registry save failed", zap.Error(err))
		}
	}
}

// serveMetrics starts a background HTTP server exposing reg at /metrics. It
// does not block; a failed listener only logs, since metrics are diagnostic
// and never required for the scan/poll loop to run.
func serveMetrics(logger *zap.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving prometheus metrics", zap.String("addr", addr))
}

func printRegistry(core *oht.Core) {
	fmt.Println("\n--- Module Registry ---")
	for _, rec := range core.Registry().All() {
		fmt.Printf("0x%02X  %-12s  %-8s  health=%3d%%  version=%s\n",
			rec.Address, rec.Type, rec.Status, rec.HealthPct, rec.Version)
	}
	fmt.Printf("system response level: %s\n", core.SystemResponseLevel())
	stats := core.TransportStats()
	fmt.Printf("transport: %d sent, %d ok, %d failed, avg rtt %.1fms\n",
		stats.TotalTransmissions, stats.Successful, stats.Failed, stats.AvgResponseTimeMs)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return config.Config{}, err
	}
	defer f.Close()
	cfg, err := config.Load(f)
	if err != nil {
		return config.Config{}, err
	}
	return cfg.WithDefaults(), nil
}

func loadPersisted(core *oht.Core, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return core.LoadPersisted(f)
}

func savePersisted(core *oht.Core, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := core.SavePersisted(f); err != nil {
		return err
	}
	return f.Sync()
}
