package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"pressline.org/internal/audit"
	"pressline.org/internal/auth"
	"pressline.org/internal/config"
	"pressline.org/internal/httpapi"
	"pressline.org/internal/migrate"
	"pressline.org/internal/notify"
	"pressline.org/internal/obs"
	"pressline.org/internal/store/memory"
	"pressline.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type store interface {
	auth.Store
	audit.Store
}

func main() {
	log.SetFlags(0)
	var (
		showVersion = pflag.Bool("version", false, "print version and exit")
		runMigrate  = pflag.Bool("migrate", false, "apply embedded schema migrations before serving")
	)
	pflag.Parse()
	if *showVersion {
		fmt.Printf("pressline-api %s (%s)\n", version, commit)
		return
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, *runMigrate)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	roles, err := auth.ResolveRoles(ctx, st, cfg.Auth.DefaultRoleName, cfg.Auth.AdminRoleName)
	if err != nil {
		log.Fatalf("resolve roles: %v (run `authctl seed` first)", err)
	}

	hasher, err := auth.NewHasher(cfg.Auth.BcryptCost)
	if err != nil {
		log.Fatalf("hasher: %v", err)
	}
	if cfg.PGDSN == "" {
		if err := bootstrapAdmin(ctx, st, hasher, roles, cfg); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
	}
	tokens, err := auth.NewTokenService(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	auditLog := audit.New(st, audit.WithFeed(audit.NewFeed(64)))
	accounts, err := auth.NewAccounts(auth.AccountDeps{
		Store:    st,
		Hasher:   hasher,
		Tokens:   tokens,
		Audit:    auditLog,
		Notifier: notify.LogNotifier{},
		Roles:    roles,
	}, auth.WithResetTTL(cfg.Auth.ResetTokenTTL), auth.WithResetURL(cfg.Auth.ResetURL))
	if err != nil {
		log.Fatalf("accounts: %v", err)
	}
	admin, err := auth.NewAdmin(st, auditLog, roles)
	if err != nil {
		log.Fatalf("admin: %v", err)
	}
	guard, err := auth.NewGuard(tokens, st, auditLog)
	if err != nil {
		log.Fatalf("guard: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: st}
	api, err := httpapi.New(httpapi.Deps{
		Guard:    guard,
		Accounts: accounts,
		Admin:    admin,
		Audit:    auditLog,
		Ready:    probe,
		Version:  version,
	},
		httpapi.WithRateLimit(cfg.Rate.Burst, cfg.Rate.PerSecond),
		httpapi.WithTrustedProxies(cfg.Proxies()),
	)
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	sweeper := audit.NewSweeper(auditLog, cfg.Audit.RetentionDays, cfg.Audit.SweepInterval)
	go sweeper.Run(ctx)

	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			obs.Error("grpc serve failed", err, nil)
			stop()
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("http serve failed", err, nil)
			stop()
		}
	}()

	obs.Info("pressline-api started", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"sweeper":   sweeper.Enabled(),
	})

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	obs.Info("stopped", nil)
}

// openStore connects to Postgres when a DSN is configured. Without one it
// falls back to an in-memory store seeded from the catalog, which is only
// suitable for local development.
func openStore(ctx context.Context, cfg config.Config, runMigrate bool) (store, func(), error) {
	if cfg.PGDSN == "" {
		obs.Warn("no database configured, using in-memory store", nil)
		mem := memory.New()
		cat, err := auth.LoadCatalog(cfg.Auth.CatalogPath)
		if err != nil {
			return nil, nil, err
		}
		if _, err := auth.SeedCatalog(ctx, mem, cat); err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}

	db, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	if runMigrate {
		applied, err := migrate.NewManager(db.DB(), migrate.Schema()).Up(ctx)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			obs.Info("schema migrated", map[string]any{"applied": applied})
		}
	}
	return db, func() { _ = db.Close() }, nil
}

// bootstrapAdmin creates the configured administrator. Postgres
// deployments use authctl create-admin instead.
func bootstrapAdmin(ctx context.Context, st auth.Store, hasher *auth.Hasher, roles auth.Roles, cfg config.Config) error {
	if cfg.Auth.AdminEmail == "" {
		obs.Warn("no bootstrap administrator configured, admin routes are unreachable", map[string]any{
			"hint": "set PRESSLINE_ADMIN_EMAIL and PRESSLINE_ADMIN_PASSWORD",
		})
		return nil
	}
	user, created, err := auth.EnsureAdmin(ctx, st, hasher, roles, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword, "")
	if err != nil {
		return err
	}
	obs.Info("bootstrap administrator ready", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
		"created": created,
	})
	return nil
}
