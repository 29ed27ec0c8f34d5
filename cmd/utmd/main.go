// utmd -- unicast transport manager daemon.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-mesh/utmd/internal/admin"
	"github.com/lattice-mesh/utmd/internal/config"
	"github.com/lattice-mesh/utmd/internal/dbusnotify"
	"github.com/lattice-mesh/utmd/internal/metrics"
	"github.com/lattice-mesh/utmd/internal/transport"
	appversion "github.com/lattice-mesh/utmd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	localPeer, err := randomPeerId()
	if err != nil {
		logger.Error("failed to generate local peer id", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("utmd starting",
		slog.String("version", appversion.Version),
		slog.String("peer_id", localPeer.String()),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	tcfg, err := buildTransportConfig(cfg)
	if err != nil {
		logger.Error("invalid authenticator configuration", slog.String("error", err.Error()))
		return 1
	}

	mgr := transport.NewManager(logger, tcfg,
		transport.WithMetrics(collector),
		transport.WithFactory("tcp", transport.NewTCPLinkManagerFactory()),
		transport.WithFactory("unixsock", transport.NewUnixLinkManagerFactory()),
	)
	defer mgr.Close()
	mgr.SetLocalIdentity(localPeer, transport.RoleRouter)

	if err := runServers(cfg, mgr, reg, logger, *configPath, logLevel, localPeer); err != nil {
		logger.Error("utmd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("utmd stopped")
	return 0
}

// runServers sets up and runs the admin, metrics, and listener goroutines
// using an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	mgr *transport.Manager,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	localPeer transport.PeerId,
) error {
	space := admin.NewAdminSpace(mgr, localPeer.String(), logger)
	front := admin.NewHTTPFront(space)

	adminSrv := newAdminServer(cfg.Admin, front)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if err := createListeners(gCtx, cfg, mgr, logger); err != nil {
		return fmt.Errorf("create listeners: %w", err)
	}

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, mgr, logger)
	startDBusNotifier(gCtx, g, mgr, logger)

	peers := newPeerReconciler(mgr, logger)
	peers.reconcile(gCtx, cfg.Peers)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin space listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *transport.Manager,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, mgr, logger)
		return nil
	})
}

// startDBusNotifier wires a best-effort D-Bus lifecycle notifier if a
// session bus is reachable. Its absence (containers, headless hosts
// without dbus) is not an error.
func startDBusNotifier(ctx context.Context, g *errgroup.Group, mgr *transport.Manager, logger *slog.Logger) {
	notifier, err := dbusnotify.Connect(logger)
	if err != nil {
		logger.Debug("dbus session bus unavailable, skipping lifecycle notifications",
			slog.String("error", err.Error()),
		)
		return
	}

	g.Go(func() error {
		defer notifier.Close()
		notifier.Run(ctx, mgr.Events())
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration -- sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. If watchdog is not configured, it exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload -- log level + declarative peer reconciliation
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	mgr *transport.Manager,
	logger *slog.Logger,
) {
	peers := newPeerReconciler(mgr, logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, peers, logger)
		}
	}
}

func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	peers *peerReconciler,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	peers.reconcile(ctx, newCfg.Peers)
}

// -------------------------------------------------------------------------
// Declarative Peers -- dial on startup, diff on SIGHUP
// -------------------------------------------------------------------------

// peerReconciler tracks the outbound transports opened for declarative
// peer locators, so a SIGHUP reload can diff the new peer set against the
// one currently dialed: new locators are opened, removed locators are torn
// down.
type peerReconciler struct {
	mgr    *transport.Manager
	logger *slog.Logger

	mu      sync.Mutex
	current map[string]*transport.TransportUnicastInner
}

func newPeerReconciler(mgr *transport.Manager, logger *slog.Logger) *peerReconciler {
	return &peerReconciler{
		mgr:     mgr,
		logger:  logger.With(slog.String("component", "peer_reconciler")),
		current: make(map[string]*transport.TransportUnicastInner),
	}
}

func (p *peerReconciler) reconcile(ctx context.Context, peers []config.PeerConfig) {
	desired := make(map[string]struct{}, len(peers))
	for _, pc := range peers {
		desired[pc.LocatorKey()] = struct{}{}
	}

	p.mu.Lock()
	var toClose []string
	for locator := range p.current {
		if _, ok := desired[locator]; !ok {
			toClose = append(toClose, locator)
		}
	}
	p.mu.Unlock()

	for _, locator := range toClose {
		p.close(locator)
	}

	for locator := range desired {
		p.mu.Lock()
		_, exists := p.current[locator]
		p.mu.Unlock()
		if exists {
			continue
		}
		p.open(ctx, locator)
	}
}

func (p *peerReconciler) open(ctx context.Context, locatorStr string) {
	loc, err := transport.ParseLocator(locatorStr)
	if err != nil {
		p.logger.Error("invalid peer locator, skipping", slog.String("locator", locatorStr), slog.String("error", err.Error()))
		return
	}

	t, err := p.mgr.OpenTransport(ctx, loc)
	if err != nil {
		p.logger.Error("failed to open transport to declarative peer",
			slog.String("locator", locatorStr), slog.String("error", err.Error()),
		)
		return
	}

	p.mu.Lock()
	p.current[locatorStr] = t
	p.mu.Unlock()

	p.logger.Info("declarative peer connected", slog.String("locator", locatorStr), slog.String("peer", t.Peer().String()))
}

func (p *peerReconciler) close(locatorStr string) {
	p.mu.Lock()
	t, ok := p.current[locatorStr]
	if ok {
		delete(p.current, locatorStr)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if err := t.Close(); err != nil {
		p.logger.Warn("failed to close transport for removed peer", slog.String("locator", locatorStr), slog.String("error", err.Error()))
	}
	p.logger.Info("declarative peer removed", slog.String("locator", locatorStr))
}

// -------------------------------------------------------------------------
// Listeners
// -------------------------------------------------------------------------

func createListeners(ctx context.Context, cfg *config.Config, mgr *transport.Manager, logger *slog.Logger) error {
	for _, raw := range cfg.Listeners {
		loc, err := transport.ParseLocator(raw)
		if err != nil {
			return fmt.Errorf("parse listener %q: %w", raw, err)
		}
		bound, err := mgr.AddListener(ctx, loc)
		if err != nil {
			return fmt.Errorf("add listener %q: %w", raw, err)
		}
		logger.Info("listener started", slog.String("locator", bound.String()))
	}
	return nil
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newAdminServer(cfg config.AdminConfig, front *admin.HTTPFront) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/@/", front)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Configuration plumbing
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func buildTransportConfig(cfg *config.Config) (transport.Config, error) {
	tcfg := transport.DefaultConfig()
	tcfg.LinkLease = cfg.Unicast.LinkLease
	tcfg.LinkKeepAlive = cfg.Unicast.LinkKeepAlive
	tcfg.OpenTimeout = cfg.Unicast.OpenTimeout
	tcfg.OpenPending = cfg.Unicast.OpenPending
	tcfg.MaxTransports = cfg.Unicast.MaxTransports
	tcfg.MaxLinks = cfg.Unicast.MaxLinks

	linkAuths, err := buildLinkAuthenticators(cfg.Authenticators.Link)
	if err != nil {
		return transport.Config{}, err
	}
	tcfg.LinkAuthenticators = linkAuths

	peerAuths, err := buildPeerAuthenticators(cfg.Authenticators.Peer, cfg.Authenticators.PSKSecret)
	if err != nil {
		return transport.Config{}, err
	}
	tcfg.PeerAuthenticators = peerAuths

	return tcfg, nil
}

func buildLinkAuthenticators(tags []string) ([]transport.LinkAuthenticator, error) {
	chain := make([]transport.LinkAuthenticator, 0, len(tags))
	for _, tag := range tags {
		switch tag {
		case "noop", "":
			chain = append(chain, transport.NoopLinkAuthenticator{})
		default:
			return nil, fmt.Errorf("unknown link authenticator %q", tag)
		}
	}
	return chain, nil
}

func buildPeerAuthenticators(tags []string, pskSecret string) ([]transport.PeerAuthenticator, error) {
	chain := make([]transport.PeerAuthenticator, 0, len(tags))
	for _, tag := range tags {
		switch tag {
		case "noop", "":
			chain = append(chain, transport.NoopPeerAuthenticator{})
		case "psk":
			auth, err := (&transport.PSKPeerAuthenticator{}).FromProperties(map[string]string{"psk_secret": pskSecret})
			if err != nil {
				return nil, fmt.Errorf("build psk authenticator: %w", err)
			}
			chain = append(chain, auth)
		default:
			return nil, fmt.Errorf("unknown peer authenticator %q", tag)
		}
	}
	return chain, nil
}

func randomPeerId() (transport.PeerId, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return transport.PeerId{}, fmt.Errorf("generate peer id: %w", err)
	}
	return transport.NewPeerId(buf), nil
}
