package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/fabian4/routegate/internal/config"
	"github.com/fabian4/routegate/internal/discovery"
	fwd "github.com/fabian4/routegate/internal/forward"
	"github.com/fabian4/routegate/internal/handler"
	"github.com/fabian4/routegate/internal/lb"
	"github.com/fabian4/routegate/internal/logging"
	"github.com/fabian4/routegate/internal/metrics"
	"github.com/fabian4/routegate/internal/router"
	"github.com/fabian4/routegate/internal/version"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	c, err := cfg.Load(configPath)
	if err != nil {
		return err
	}
	accessLog, err := logging.Init(logging.Options{
		Level:             c.Logging.Level,
		Format:            c.Logging.Format,
		AccessLogDisabled: !c.Logging.AccessLog,
		AccessLogSampling: c.Logging.AccessLogSampling,
	})
	if err != nil {
		return err
	}

	a, err := newApp(c, accessLog)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           a.gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	servers := []*http.Server{srv}
	if c.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle(c.Metrics.Path, a.metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              c.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	log.WithFields(log.Fields{
		"version":  version.Value,
		"listen":   c.Listen,
		"routes":   len(c.Routes),
		"services": len(c.Services),
	}).Info("routegate starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		s := s
		g.Go(func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				a.reload(configPath)
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).WithField("addr", s.Addr).Warn("shutdown")
			}
		}
		return nil
	})

	return g.Wait()
}

// app is the wired gateway: everything a reload has to update.
type app struct {
	provider   *discovery.Provider
	routes     *router.Store
	house      *lb.House
	transports *fwd.Registry
	metrics    *metrics.Registry
	gw         *handler.Gateway
}

func newApp(c *cfg.Config, accessLog *logging.AccessLog) (*app, error) {
	fopts := fwd.DefaultOptions()
	fopts.InsecureSkipVerify = c.UpstreamTLS.InsecureSkipVerify
	if c.UpstreamTLS.CAFile != "" {
		pool, err := fwd.LoadRootCAs(c.UpstreamTLS.CAFile)
		if err != nil {
			return nil, err
		}
		fopts.RootCAs = pool
	}

	a := &app{
		provider:   discovery.NewProvider(c.Services),
		routes:     router.NewStore(c.Table),
		transports: fwd.NewRegistry(fopts),
		metrics:    metrics.NewRegistry(),
	}
	a.house = lb.NewHouse(lb.NewFactory(a.provider, nil))
	a.gw = handler.NewGateway(a.routes, a.house, a.transports, handler.Options{
		UpstreamTimeout: c.Timeouts.Upstream,
		AccessLog:       accessLog,
		Metrics:         a.metrics,
	})
	return a, nil
}

// reload swaps in a new route table. A config that fails to load leaves the
// running one in place.
func (a *app) reload(path string) {
	c, err := cfg.Load(path)
	if err != nil {
		log.WithError(err).Error("reload failed, keeping current configuration")
		return
	}
	a.provider.Update(c.Services)
	a.routes.Swap(c.Table)
	a.gw.SetUpstreamTimeout(c.Timeouts.Upstream)

	keys := make(map[string]struct{}, len(c.Routes))
	for i := range c.Routes {
		keys[c.Routes[i].LoadBalancerKey()] = struct{}{}
	}
	dropped := a.house.Retain(keys)
	log.WithFields(log.Fields{"routes": len(c.Routes), "balancers_dropped": dropped}).Info("configuration reloaded")
}

func (a *app) close() {
	_ = a.house.Close()
	a.transports.CloseIdle()
}
