// Command galinfo inspects gal backends and exercises a device.
//
// Usage:
//
//	galinfo [flags] list       list backends, adapters and queue families
//	galinfo [flags] selftest   round-trip a buffer and an image through a queue
//	galinfo [flags] stress     submit copies from every queue concurrently
//
// With -metrics, device statistics are served at /metrics until the
// process is interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogpu/gal"
	"github.com/gogpu/gal/metrics"

	_ "github.com/gogpu/gal/backend/wgpu"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML device configuration")
		backends   = flag.String("backend", "", "comma-separated backends to try in order")
		adapter    = flag.String("adapter", "", "adapter name filter")
		validation = flag.Bool("validation", false, "enable backend validation layers")
		verbose    = flag.Bool("v", false, "debug logging")
		metricsAt  = flag.String("metrics", "", "serve Prometheus metrics on this address")
		rounds     = flag.Int("rounds", 200, "stress: copies per queue")
		size       = flag.Int("size", 64<<10, "stress: bytes per copy")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: galinfo [flags] list|selftest|stress\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	var cfg *gal.Config
	if *configPath != "" {
		var err error
		if cfg, err = gal.LoadConfig(*configPath); err != nil {
			log.Fatal(err)
		}
		level = cfg.LogLevel
	}
	if *verbose {
		level = slog.LevelDebug
	}
	gal.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := []gal.Option{gal.WithLabel("galinfo"), gal.WithValidation(*validation), gal.WithConfig(cfg)}
	if *backends != "" {
		opts = append(opts, gal.WithBackend(strings.Split(*backends, ",")...))
	}
	if *adapter != "" {
		opts = append(opts, gal.WithAdapter(*adapter))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := flag.Arg(0)
	if cmd == "list" {
		if err := list(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	dev, err := gal.Open(opts...)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Printf("galinfo: close: %v", err)
		}
	}()

	if *metricsAt != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(dev))
		srv := &http.Server{
			Addr:              *metricsAt,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("galinfo: metrics: %v", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	switch cmd {
	case "selftest":
		err = selftest(dev)
	case "stress":
		err = stress(ctx, dev, *rounds, *size)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
	printStats(os.Stdout, dev.Stats())

	if *metricsAt != "" {
		log.Printf("galinfo: serving metrics on %s, interrupt to exit", *metricsAt)
		<-ctx.Done()
	}
}
