package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/backkem/sidecar/internal/zaplog"
	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/pubsub"
	"github.com/backkem/sidecar/pkg/reactor"
	"github.com/google/uuid"
	"github.com/pion/logging"
	ptransport "github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

// app holds what every command needs: logging, the network stack, a
// reactor and the DNS-SD binding.
type app struct {
	opts     Options
	logs     *zaplog.Factory
	log      logging.LeveledLogger
	net      ptransport.Net
	reactor  *reactor.Reactor
	daemon   discovery.Daemon
	registry *prometheus.Registry
	metrics  *pubsub.Metrics
	out      *printer
}

func newApp(opts Options, out io.Writer) (*app, error) {
	logs, err := zaplog.New(zaplog.Config{
		Level:       opts.LogLevel,
		ScopeLevels: opts.LogScopes,
		Format:      opts.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	n, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	a := &app{
		opts:    opts,
		logs:    logs,
		log:     logs.NewLogger("zcmon"),
		net:     n,
		reactor: reactor.New(reactor.Config{LoggerFactory: logs}),
		out:     &printer{w: out},
	}

	a.daemon, err = newDaemon(opts.Daemon, n, logs)
	if err != nil {
		return nil, err
	}

	if opts.MetricsAddr != "" {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = pubsub.NewMetrics(a.registry)
	}

	return a, nil
}

func newDaemon(name string, n ptransport.Net, lf logging.LoggerFactory) (discovery.Daemon, error) {
	switch strings.ToLower(name) {
	case "zeroconf":
		return discovery.NewZeroconfDaemon(discovery.ZeroconfDaemonConfig{Net: n, LoggerFactory: lf})
	case "dnssd":
		return discovery.NewDNSSDDaemon(discovery.DNSSDDaemonConfig{Net: n, LoggerFactory: lf})
	default:
		return nil, fmt.Errorf("unknown daemon %q", name)
	}
}

// serviceType returns --type, or the type of --kind restricted to --key.
func (a *app) serviceType() (string, error) {
	if a.opts.Type != "" {
		return a.opts.Type, discovery.ValidateServiceType(a.opts.Type)
	}
	kind, err := pubsub.KindByName(a.opts.Kind)
	if err != nil {
		return "", err
	}
	return kind.MakeType(a.opts.Key)
}

// run calls setup, then runs the reactor until ctx is cancelled or an
// interrupt arrives, then calls the returned cleanup.
func (a *app) run(ctx context.Context, setup func(ctx context.Context) (func() error, error)) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.logs.Sync()

	cleanup, err := setup(ctx)
	if err != nil {
		a.reactor.Close()
		return err
	}

	var wg sync.WaitGroup
	var srv *http.Server
	if a.registry != nil {
		srv = &http.Server{
			Addr:              a.opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Errorf("metrics server: %v", err)
			}
		}()
	}

	err = a.reactor.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	a.log.Info("shutting down")
	err = multierr.Append(err, cleanup())
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		cancel()
		wg.Wait()
	}
	a.reactor.Close()
	return err
}

// defaultName returns a unique instance name for prefix.
func defaultName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// printer serializes output written from the reactor and from socket
// reader goroutines.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}
