// Foundry runtime server.
//
// Boots one runtime instance from its Instance Manifest and serves the
// chat, voice, and API channels.
//
// Usage:
//
//	FOUNDRY_ENVIRONMENT=dev \
//	FOUNDRY_MANIFEST=/etc/foundry/manifest.yaml \
//	FOUNDRY_BUNDLE_DIR=/etc/foundry/bundle \
//	foundry-runtime
//
// Exit codes: 0 normal shutdown, 64 manifest/bundle error,
// 65 configuration error, 70 unrecoverable internal error.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agent-foundry/foundry-core/channel"
	"github.com/agent-foundry/foundry-core/config"
	"github.com/agent-foundry/foundry-core/engine/envelope"
	"github.com/agent-foundry/foundry-core/engine/state"
	"github.com/agent-foundry/foundry-core/observability"
	"github.com/agent-foundry/foundry-core/platform/audit"
	"github.com/agent-foundry/foundry-core/platform/authz"
	"github.com/agent-foundry/foundry-core/platform/bundle"
	"github.com/agent-foundry/foundry-core/platform/events"
	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/logging"
	"github.com/agent-foundry/foundry-core/platform/registry"
	"github.com/agent-foundry/foundry-core/platform/secrets"
	"github.com/agent-foundry/foundry-core/platform/session"
)

const (
	exitOK       = 0
	exitBundle   = 64
	exitConfig   = 65
	exitInternal = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv(nil)
	if err != nil {
		logging.New(os.Stderr, "info").Error("boot_failed", "error", err.Error())
		return exitConfig
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	logger.Info("runtime_starting", "environment", cfg.Environment)

	reg, err := registry.FromEnv(nil)
	if err != nil {
		logger.Error("boot_failed", "error", err.Error())
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ep, err := reg.Resolve(registry.ServiceOTLP); err == nil {
		shutdown, err := observability.InitTracer("foundry-runtime", ep.Addr(), cfg.Environment)
		if err != nil {
			logger.Error("boot_failed", "error", err.Error())
			return exitConfig
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			_ = shutdown(shutCtx)
		}()
	}

	// Audit log with its background flusher.
	var sink audit.Sink
	if cfg.AuditPath != "" {
		fileSink, err := audit.NewFileSink(cfg.AuditPath)
		if err != nil {
			logger.Error("boot_failed", "error", err.Error())
			return exitConfig
		}
		defer fileSink.Close()
		sink = fileSink
	} else {
		sink = audit.NewMemorySink()
	}
	auditLog := audit.NewLog(sink, logger)

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		auditLog.Run(ctx, cfg.ShutdownGrace)
	}()

	// Authorization oracle with short-TTL caching.
	authzClient, err := authz.NewClient(reg)
	if err != nil {
		logger.Error("boot_failed", "error", err.Error())
		return exitConfig
	}
	oracle := authz.NewCached(authzClient, authz.MaxCacheTTL)

	// Draft store: Redis when configured, in-memory with a sweeper
	// otherwise.
	var drafts session.DraftStore
	if ep, err := reg.Resolve(registry.ServiceRedis); err == nil {
		drafts = session.NewRedisDrafts(redis.NewClient(&redis.Options{Addr: ep.Addr()}))
	} else {
		mem := session.NewMemoryDrafts()
		drafts = mem
		sweeper := session.NewSweeper(mem, "memory", logger)
		background.Add(1)
		go func() {
			defer background.Done()
			sweeper.Run(ctx)
		}()
	}

	// Version store: Postgres when a DSN is configured.
	var versions session.VersionStore = session.NewMemoryVersions()
	if dsn := os.Getenv("FOUNDRY_POSTGRES_DSN"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Error("boot_failed", "error", err.Error())
			return exitConfig
		}
		defer pool.Close()
		pg := session.NewPGVersions(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("boot_failed", "error", err.Error())
			return exitConfig
		}
		versions = pg
	}

	bus := events.NewBus()
	history := session.NewHistory(drafts, logger)
	checkpointer := session.NewCheckpointer(drafts)

	// Secret store client when the registry carries one; the loader
	// resolves tool credentials through it.
	var secretsClient *secrets.Client
	if _, err := reg.Resolve(registry.ServiceSecrets); err == nil {
		secretsClient, err = secrets.NewClient(reg, cfg.Environment, oracle, auditLog, logger)
		if err != nil {
			logger.Error("boot_failed", "error", err.Error())
			return exitConfig
		}
	}

	deps := bundle.Deps{
		Registry:     reg,
		Workers:      bundle.NewWorkerRegistry(),
		Audit:        auditLog,
		Authz:        oracle,
		Bus:          bus,
		Checkpointer: checkpointer,
		Context:      history,
		Logger:       logger,
	}
	if secretsClient != nil {
		deps.Secrets = secretsClient
	}
	rt, err := bundle.Load(ctx, cfg.ManifestPath, cfg.BundleDir, deps)
	if err != nil {
		logger.Error("boot_failed", "error", err.Error())
		if fault.IsKind(err, fault.KindConfiguration) {
			return exitConfig
		}
		return exitBundle
	}
	guardedVersions := session.NewGuardedVersions(versions, oracle, auditLog, rt.Manifest.Tenant)

	// Verify declared secrets are reachable before serving traffic.
	if err := checkSecrets(ctx, secretsClient, rt.Manifest); err != nil {
		logger.Error("boot_failed", "error", err.Error())
		return exitConfig
	}

	runner := &sessionRunner{rt: rt, history: history, checkpointer: checkpointer}
	identity := envelope.Identity{
		Tenant:   rt.Manifest.Tenant,
		Domain:   rt.Manifest.Domain,
		Instance: rt.Manifest.Instance,
	}
	serverOpts := []channel.ServerOption{
		channel.WithEventBus(bus),
		channel.WithVersions(guardedVersions),
	}
	if voice, err := channel.NewVoiceAdapter(rt.Tools); err == nil {
		serverOpts = append(serverOpts, channel.WithVoice(voice))
	} else {
		logger.Info("voice_channel_disabled", "reason", err.Error())
	}
	srv := channel.NewServer(runner, identity, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	logger.Info("runtime_ready", "addr", cfg.ListenAddr, "instance", rt.Manifest.Instance)

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-serveErr:
		logger.Error("server_failed", "error", err.Error())
		stop()
		background.Wait()
		return exitInternal
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("server_shutdown_error", "error", err.Error())
	}
	background.Wait()
	auditLog.Wait()
	logger.Info("runtime_stopped")
	return exitOK
}

// checkSecrets resolves every declared secret's status at boot. A
// missing secret or unreachable store refuses to serve traffic.
func checkSecrets(ctx context.Context, client *secrets.Client, m *bundle.Manifest) error {
	if len(m.Secrets) == 0 {
		return nil
	}
	if client == nil {
		return fault.New(fault.KindConfiguration,
			"manifest declares secrets but no secret store is registered")
	}
	for _, ref := range m.Secrets {
		status, err := client.Status(ctx, "boot", envelope.ActorService, m.Tenant, m.Domain, ref.Name)
		if err != nil {
			return err
		}
		if !status.Configured {
			return fault.New(fault.KindConfiguration,
				"secret %q declared in manifest is not configured", ref.Name)
		}
	}
	return nil
}

// sessionRunner wraps the executor with the per-request session work:
// resume from checkpoint, record the exchange, drop the checkpoint once
// the request completed.
type sessionRunner struct {
	rt           *bundle.Runtime
	history      *session.History
	checkpointer *session.Checkpointer
}

func (r *sessionRunner) Run(ctx context.Context, req *envelope.Request, initial state.State) (state.State, error) {
	final, err := r.rt.Executor.Resume(ctx, req, initial)
	if err != nil {
		return nil, err
	}
	r.history.Record(ctx, req, final)
	_ = r.checkpointer.Discard(ctx, req.RequestID)
	return final, nil
}
