// Command nbotd is the plugin host daemon: it loads configuration, wires
// the registry, broker, dispatcher, tick scheduler, market reconciler and
// reference OneBot transport together, serves the admin HTTP API, and runs
// until told to stop.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nbot-dev/nbot/internal/adminapi"
	"github.com/nbot-dev/nbot/internal/audit"
	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/dispatch"
	"github.com/nbot-dev/nbot/internal/hostconfig"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/market"
	"github.com/nbot-dev/nbot/internal/registry"
	"github.com/nbot-dev/nbot/internal/registry/builtin/hello"
	"github.com/nbot-dev/nbot/internal/render"
	"github.com/nbot-dev/nbot/internal/signing"
	"github.com/nbot-dev/nbot/internal/store"
	"github.com/nbot-dev/nbot/internal/tick"
	"github.com/nbot-dev/nbot/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("nbotd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := hostconfig.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(filepath.Join(cfg.DataDir, "plugins"))
	kvStore := kv.New(filepath.Join(cfg.DataDir, "storage"))
	brk := broker.New(nil, nil)

	onebotClient := transport.New(cfg.OneBotURL,
		transport.WithLogger(logger),
		transport.WithToken(cfg.OneBotToken),
		transport.WithResolver(brk),
	)
	gateway := transport.NewGateway(onebotClient, cfg.LLMGatewayURL)

	renderer, err := render.New(render.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("starting renderer: %w", err)
	}
	defer renderer.Close()

	surface := capability.New(
		capability.WithBroker(brk),
		capability.WithKV(kvStore),
		capability.WithTransport(onebotClient),
		capability.WithRenderer(renderer),
		capability.WithAsyncGateway(gateway),
		capability.WithLogger(logger),
	)

	policy, err := signingPolicy(cfg, logger)
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.DataDir, st, kvStore, brk, surface, policy, registry.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("starting registry: %w", err)
	}
	surface.SetConfigHost(reg)

	if err := seedBuiltinPlugins(ctx, reg, cfg.Seed()); err != nil {
		return fmt.Errorf("seeding builtin plugins: %w", err)
	}

	dropDir := filepath.Join(cfg.DataDir, "drop")
	if err := reg.WatchDropDir(ctx, dropDir); err != nil {
		logger.Warn("failed to start drop directory watcher", "dir", dropDir, "error", err)
	}

	dispatcher := dispatch.New(reg, nil, dispatch.WithLogger(logger))
	brk.SetDeliverer(dispatcher)

	var auditLog *audit.Log
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("opening audit trail: %w", err)
		}
		defer auditLog.Close()
	}

	var mkt *market.Reconciler
	if cfg.MarketURL != "" {
		mkt = market.New(cfg.MarketURL, reg, market.WithLogger(logger))
		if cfg.MarketBootstrapOfficialPlugins {
			report, err := mkt.Bootstrap(ctx)
			if err != nil {
				logger.Warn("market bootstrap sync failed", "error", err)
			} else {
				logger.Info("market bootstrap sync complete",
					"installed", len(report.Installed), "updated", len(report.Updated),
					"skipped", len(report.Skipped), "failed", len(report.Failed))
			}
		}
		if _, err := mkt.StartPeriodic(ctx, "@every 1h", cfg.MarketForceUpdate); err != nil {
			logger.Warn("failed to start periodic market sync", "error", err)
		}
	}

	tickOpts := []tick.Option{tick.WithLogger(logger)}
	if period, err := time.ParseDuration(cfg.TickPeriod); err == nil && period > 0 {
		tickOpts = append(tickOpts, tick.WithPeriod(period))
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		owner, err := os.Hostname()
		if err != nil || owner == "" {
			owner = fmt.Sprintf("nbotd-%d", os.Getpid())
		}
		lock := tick.NewRedisLock(redis.NewClient(opt), "nbot:tick:lock", owner, 10*time.Second)
		tickOpts = append(tickOpts, tick.WithLock(lock))
	}
	scheduler := tick.New(dispatcher, brk, tickOpts...)

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting tick scheduler: %w", err)
	}
	defer scheduler.Stop()

	if err := onebotClient.Connect(); err != nil {
		logger.Warn("initial onebot connect failed, will keep retrying in the background", "error", err)
	}
	go onebotClient.Run(ctx, dispatcher, cfg.CommandPrefix)

	auth, err := adminapi.NewTokenAuthority(cfg.DataDir, cfg.APIToken)
	if err != nil {
		return fmt.Errorf("setting up admin token: %w", err)
	}

	adminOpts := []adminapi.Option{}
	if mkt != nil {
		adminOpts = append(adminOpts, adminapi.WithMarket(mkt))
	}
	if auditLog != nil {
		adminOpts = append(adminOpts, adminapi.WithAudit(auditLog))
	}
	router := adminapi.New(reg, auth, adminOpts...)
	callback := transport.LLMCallbackHandler(brk)
	router.POST("/llm/callback", func(c *gin.Context) { callback(c.Writer, c.Request) })

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("nbotd listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin http server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info("shutting down")

	cancel()
	onebotClient.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// signingPolicy resolves the ed25519 publisher key from its base64 config
// form into a signing.Policy.
func signingPolicy(cfg hostconfig.Config, logger *slog.Logger) (signing.Policy, error) {
	policy := signing.Policy{AllowUnsigned: cfg.AllowUnsignedPlugins, Logger: logger}
	if cfg.OfficialPublicKeyB64 == "" {
		return policy, nil
	}
	key, err := base64.StdEncoding.DecodeString(cfg.OfficialPublicKeyB64)
	if err != nil {
		return policy, fmt.Errorf("decoding official public key: %w", err)
	}
	policy.PublisherKey = key
	return policy, nil
}

// seedBuiltinPlugins installs the embedded hello example whenever it is not
// currently installed, honoring the configured seed policy. An installed
// "hello", enabled or disabled, is left alone; one that was uninstalled is
// installed again on the next start.
func seedBuiltinPlugins(ctx context.Context, reg *registry.Registry, policy hostconfig.SeedPolicy) error {
	if policy == hostconfig.SeedSkip {
		return nil
	}
	if _, ok := reg.Get("hello"); ok {
		return nil
	}
	pkg, err := hello.Package()
	if err != nil {
		return err
	}
	if _, err := reg.Install(ctx, pkg, registry.SourceLocal); err != nil {
		return err
	}
	if policy == hostconfig.SeedEnabled {
		return reg.Enable(ctx, "hello")
	}
	return nil
}
