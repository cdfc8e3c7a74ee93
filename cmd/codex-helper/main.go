// Command codex-helper runs the local reverse proxy: it forwards a coding
// agent's requests to configured upstreams with retry and failover, and
// serves the loopback control API on the same listener.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Latias94/codex-helper/internal/api"
	"github.com/Latias94/codex-helper/internal/config"
	"github.com/Latias94/codex-helper/internal/filterrules"
	"github.com/Latias94/codex-helper/internal/lb"
	"github.com/Latias94/codex-helper/internal/logging"
	"github.com/Latias94/codex-helper/internal/metrics"
	"github.com/Latias94/codex-helper/internal/proxy"
	"github.com/Latias94/codex-helper/internal/state"
)

const shutdownGrace = 10 * time.Second

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".codex-helper", "config.yaml")
}

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath(), "path to the configuration file")
		listenAddr = flag.String("listen", "127.0.0.1:8317", "address to listen on")
		service    = flag.String("service", "codex", "proxied service: codex or claude")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	_ = godotenv.Load()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	if !*debug {
		gin.SetMode(gin.ReleaseMode)
	}

	initial, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	runtime := config.NewRuntime(*configPath, initial)

	states := lb.NewTable()
	store := state.NewStore()
	filters := filterrules.New(initial.FilterRules)
	requests := logging.NewWriter(initial.RequestLog)
	tracer := logging.NewTracer(initial.RetryTraceLog)
	counters := metrics.New()

	handler := &proxy.Handler{
		Service:  *service,
		Runtime:  runtime,
		States:   states,
		Store:    store,
		Filters:  filters,
		Requests: requests,
		Tracer:   tracer,
		Metrics:  counters,
		Client:   &http.Client{Transport: proxy.NewTransport()},
	}

	server := &api.Server{
		Service: *service,
		Runtime: runtime,
		States:  states,
		Store:   store,
		Metrics: counters,
		Proxy:   handler,
	}

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithFields(log.Fields{"addr": *listenAddr, "service": *service}).Info("proxy listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		err := runtime.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := filters.Watch(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		err := requests.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("proxy exited with error")
	}
	log.Info("proxy stopped")
}
