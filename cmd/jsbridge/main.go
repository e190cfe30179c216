// Command jsbridge runs a page script against a bridge host.
//
//	jsbridge [-url https://apps.example.com/] [-script app.js]
//	jsbridge -publish          # push the rules file to the registry and exit
//
// Everything else comes from JSBRIDGE_* environment variables (see package config).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"jsbridge/config"
	"jsbridge/gate"
	"jsbridge/loadbalance"
	"jsbridge/logging"
	"jsbridge/metrics"
	"jsbridge/middleware"
	"jsbridge/page"
	"jsbridge/registry"
	"jsbridge/transport"
)

func main() {
	pageURL := flag.String("url", "", "URL of the page (overrides JSBRIDGE_PAGE_URL)")
	script := flag.String("script", "", "script to run in the page (overrides JSBRIDGE_SCRIPT)")
	publishOnly := flag.Bool("publish", false, "publish the rules file to the registry and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *pageURL != "" {
		cfg.PageURL = *pageURL
	}
	if *script != "" {
		cfg.Script = *script
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("falling back to default logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *publishOnly {
		err = publish(ctx, cfg, logger)
	} else {
		err = run(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("jsbridge stopped", zap.Error(err))
		os.Exit(1)
	}
}

// run connects to the host, loads the page and keeps serving it until ctx is done
// or the host goes away.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()
	metricsServer := serveMetrics(cfg.MetricsAddr, m, logger)
	defer shutdownServer(metricsServer)

	// The transport needs the page's notification handler and the page needs a
	// gate, so the gate resolves the transport on first use.
	var conn *transport.ClientTransport
	target := func() gate.Gate {
		if conn == nil {
			return nil
		}
		return conn
	}
	p := page.New(buildGate(cfg, m, logger, target),
		page.WithLogger(logger),
		page.WithMetrics(m),
		page.WithServiceManager(cfg.EnableServiceManager))
	defer p.Close()

	conn, err := dialHost(ctx, cfg, logger,
		transport.WithLogger(logger),
		transport.WithHeartbeat(cfg.Heartbeat),
		transport.WithNotifyHandler(p.HandleNotification))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-conn.Done():
			logger.Warn("host connection closed")
			cancelRun()
		case <-ctx.Done():
		}
	}()

	if err := followRules(ctx, cfg, p, logger); err != nil {
		return err
	}

	src := ""
	if cfg.Script != "" {
		data, err := os.ReadFile(cfg.Script)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		src = string(data)
	}
	if err := p.Load(ctx, cfg.PageURL, src); err != nil {
		return err
	}

	// Keep delivering results and host events to the script.
	return p.Runtime().Loop().Run(ctx)
}

// dialHost connects to the first reachable host, trying them in the order the
// configured balancer picks for the page URL.
func dialHost(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...transport.Option) (*transport.ClientTransport, error) {
	balancer, err := loadbalance.New(cfg.HostBalancer)
	if err != nil {
		return nil, err
	}
	hosts := loadbalance.Order(balancer, cfg.PageURL, cfg.HostURLs)
	if len(hosts) == 0 {
		return nil, loadbalance.ErrNoEndpoints
	}

	var errs []error
	for _, host := range hosts {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := transport.DialWebSocket(dialCtx, host, opts...)
		cancel()
		if err == nil {
			logger.Info("connected to host", zap.String("url", host), zap.String("balancer", balancer.Name()))
			return conn, nil
		}
		logger.Warn("host unreachable", zap.String("url", host), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("no host reachable: %w", errors.Join(errs...))
}

func buildGate(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger, target func() gate.Gate) gate.Gate {
	chain := []middleware.Middleware{
		middleware.Metrics(m),
		middleware.Logging(logger),
	}
	if cfg.RateLimit.Enabled {
		chain = append(chain, middleware.RateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.CallTimeout > 0 {
		chain = append(chain, middleware.Timeout(cfg.CallTimeout))
	}
	return middleware.Chain(chain...)(gate.Func(func(request string, onSuccess gate.SuccessFunc, onFailure gate.FailureFunc) error {
		g := target()
		if g == nil {
			return gate.ErrUnavailable
		}
		return g.Invoke(request, onSuccess, onFailure)
	}))
}

// followRules keeps the page's ACL and web filters in sync with the registry. With
// neither registry endpoints nor a rules file, the host's notifications are the
// only source.
func followRules(ctx context.Context, cfg *config.Config, p *page.Page, logger *zap.Logger) error {
	if len(cfg.Registry.Endpoints) == 0 && cfg.RulesFile == "" {
		return nil
	}
	reg, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	follow := func(key string, apply func(string) error) {
		err := registry.Follow(ctx, reg, key, func(value string) {
			if err := apply(value); err != nil {
				logger.Warn("invalid document from registry", zap.String("key", key), zap.Error(err))
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stopped following registry", zap.String("key", key), zap.Error(err))
		}
	}
	// Apply the current documents before the page loads; Follow then keeps them fresh.
	for key, apply := range map[string]func(string) error{
		cfg.Registry.ACLKey:     p.SetRules,
		cfg.Registry.FiltersKey: p.SetWebFilters,
	} {
		value, _, err := reg.Fetch(ctx, key)
		if err != nil {
			reg.Close()
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		if err := apply(value); err != nil {
			logger.Warn("invalid document from registry", zap.String("key", key), zap.Error(err))
		}
	}

	go func() {
		<-ctx.Done()
		reg.Close()
	}()
	go follow(cfg.Registry.ACLKey, p.SetRules)
	go follow(cfg.Registry.FiltersKey, p.SetWebFilters)
	return nil
}

// openRegistry returns the etcd registry, or an in-memory one seeded from the
// rules file when no endpoints are configured.
func openRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) > 0 {
		return registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
	}
	reg := registry.NewMemoryRegistry()
	if err := publishRules(ctx, cfg, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func publishRules(ctx context.Context, cfg *config.Config, reg registry.Registry) error {
	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}
	aclDoc, err := rules.ACLDocument()
	if err != nil {
		return err
	}
	filtersDoc, err := rules.WebFiltersDocument()
	if err != nil {
		return err
	}
	if err := reg.Publish(ctx, cfg.Registry.ACLKey, aclDoc, cfg.Registry.TTL); err != nil {
		return fmt.Errorf("publish %s: %w", cfg.Registry.ACLKey, err)
	}
	if err := reg.Publish(ctx, cfg.Registry.FiltersKey, filtersDoc, cfg.Registry.TTL); err != nil {
		return fmt.Errorf("publish %s: %w", cfg.Registry.FiltersKey, err)
	}
	return nil
}

// publish pushes the rules file to etcd. Leased documents stay only while the
// publisher runs, so with a ttl it waits for a signal.
func publish(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if len(cfg.Registry.Endpoints) == 0 || cfg.RulesFile == "" {
		return errors.New("publish needs JSBRIDGE_REGISTRY_ENDPOINTS and JSBRIDGE_RULES_FILE")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := publishRules(ctx, cfg, reg); err != nil {
		return err
	}
	logger.Info("rules published",
		zap.String("acl", cfg.Registry.ACLKey),
		zap.String("webFilters", cfg.Registry.FiltersKey),
		zap.Int64("ttl", cfg.Registry.TTL))

	if cfg.Registry.TTL > 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
