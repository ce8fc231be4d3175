package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentra.org/internal/audit"
	"sentra.org/internal/auth"
	"sentra.org/internal/cache"
	"sentra.org/internal/config"
	"sentra.org/internal/httpapi"
	"sentra.org/internal/ledger"
	"sentra.org/internal/obs"
	"sentra.org/internal/queue"
	"sentra.org/internal/revocation"
	"sentra.org/internal/store/mem"
	"sentra.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Backing stores. Without a DSN everything runs in memory, which is
	// enough for local development but loses state on restart.
	var (
		authStore   auth.Store
		ledgerStore ledger.Store
		auditSink   audit.Sink
		probe       httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer pgStore.Close()
		authStore = pgStore
		ledgerStore = pgStore
		auditSink = audit.NewLog(pgStore)
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		obs.LogError("running without SENTRA_PG_DSN, state is in memory", nil)
		authStore = mem.New()
		ledgerStore = ledger.NewInMemory()
		auditSink = audit.NewLog(nil)
	}

	codec, err := auth.NewCodec(cfg.TokenSecret, cfg.TokenIssuer, cfg.AccessTTL)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	credentials := auth.NewCredentials(authStore, authStore, auth.WithResetTTL(cfg.ResetTokenTTL))
	memberships := auth.NewMembershipResolver(authStore)
	permissions := auth.NewPermissionResolver(authStore, cache.NewMemory(), cfg.PermissionCacheTTL,
		auth.WithResolveTimeout(cfg.ResolveTimeout))
	gate := auth.NewGate(codec, memberships, permissions, auditSink)

	rbac, err := auth.NewRBACService(authStore)
	if err != nil {
		log.Fatalf("rbac: %v", err)
	}

	tokens, err := ledger.NewService(ledgerStore, cfg.RefreshTTL,
		ledger.WithAuditSink(auditSink))
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	jobs := queue.New(cfg.QueueWorkers, cfg.QueueMaxAttempts, cfg.QueueBaseBackoff)
	jobs.Start()

	coordinator, err := revocation.New(jobs, permissions, tokens, authStore, auditSink)
	if err != nil {
		log.Fatalf("revocation: %v", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	if err := rbac.EnsureBuiltins(startCtx); err != nil {
		log.Fatalf("ensure permissions: %v", err)
	}
	if err := bootstrapAdmin(startCtx, cfg, rbac); err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}
	cancelStart()

	stopSweeper := tokens.StartSweeper(cfg.DeviceSweepInterval, cfg.DeviceInactivityWindow)

	api := httpapi.New(httpapi.Deps{
		Codec:       codec,
		Credentials: credentials,
		Memberships: memberships,
		RBAC:        rbac,
		Gate:        gate,
		Tokens:      tokens,
		Revocation:  coordinator,
		Audit:       auditSink,
		Ready:       probe,
		Version:     version,
		RateBurst:   cfg.RateBurst,
		RatePerSec:  cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting sentra-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopSweeper()
	jobs.Close()
	log.Println("stopped")
}

// bootstrapAdmin creates the first administrator when the env asks for one.
// The seeds ship the bootstrap organization and admin role; the password
// hash has to be minted here. Re-running against an existing account is a
// no-op.
func bootstrapAdmin(ctx context.Context, cfg config.Config, rbac *auth.RBACService) error {
	if cfg.BootstrapEmail == "" || cfg.BootstrapPassword == "" {
		return nil
	}
	const (
		bootstrapOrgID  = "org_bootstrap"
		bootstrapRoleID = "role_admin"
	)
	user, err := rbac.CreateUser(ctx, bootstrapOrgID, cfg.BootstrapEmail, cfg.BootstrapPassword)
	if err != nil {
		if errors.Is(err, auth.ErrConflict) {
			return nil
		}
		return err
	}
	if _, err := rbac.AssignRole(ctx, user.ID, bootstrapRoleID); err != nil && !errors.Is(err, auth.ErrConflict) {
		return err
	}
	log.Printf("bootstrap admin %s created", cfg.BootstrapEmail)
	return nil
}
