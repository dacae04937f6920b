package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/idport/idport/internal/api"
	"github.com/idport/idport/internal/audit"
	"github.com/idport/idport/internal/config"
	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/flow"
	"github.com/idport/idport/internal/hooks"
	"github.com/idport/idport/internal/issuer"
	"github.com/idport/idport/internal/keys"
	"github.com/idport/idport/internal/store"
	"github.com/idport/idport/internal/verifier"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the idport server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		deps, cleanup, err := buildDeps(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		// generate missing signing keys before accepting traffic
		for _, tenant := range cfg.Tenants {
			if _, err := deps.keyManager.EnsureKeys(ctx, tenant.Name); err != nil {
				return fmt.Errorf("ensuring signing keys for tenant %q: %w", tenant.Name, err)
			}
			log.Info().Str("tenant", tenant.Name).Msg("signing keys ready")
		}

		srv := api.NewServer(
			deps.issuer, deps.verifier, deps.coordinator,
			deps.keyManager, deps.tokenStore, deps.tenantCfg,
			api.Options{
				Tenant:     cfg.Tenants[0].Name,
				LoginURL:   cfg.LoginURL,
				AdminScope: cfg.Admin.Scope,
			},
		)

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Msgf("Starting server on %s...", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Server crashed")
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		log.Info().Msg("Server exited")
		return nil
	},
}

// serveDeps bundles everything the API server is wired from.
type serveDeps struct {
	tokenStore  core.TokenStore
	tenantCfg   core.TenantConfig
	keyManager  *keys.Manager
	issuer      *issuer.Issuer
	verifier    *verifier.Verifier
	coordinator *flow.Coordinator
}

func buildDeps(ctx context.Context, cfg *config.Config) (*serveDeps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*serveDeps, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// token store + tenant config
	var (
		tokenStore  core.TokenStore
		tenantCfg   core.TenantConfig
		sqliteStore *store.SQLiteStore
	)
	switch cfg.Store.Type {
	case "sqlite":
		var err error
		sqliteStore, err = store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fail(fmt.Errorf("opening sqlite store: %w", err))
		}
		closers = append(closers, func() { _ = sqliteStore.Close() })
		for _, tenant := range cfg.Tenants {
			sqliteStore.SetTenant(tenant.Name, tenant.Issuer, tenant.ExpirySettings())
		}
		tokenStore, tenantCfg = sqliteStore, sqliteStore
		log.Info().Str("path", cfg.Store.Path).Msg("using sqlite token store")
	default:
		memStore := store.NewMemoryTokenStore()
		memCfg := store.NewMemoryTenantConfig()
		for _, tenant := range cfg.Tenants {
			memCfg.SetTenant(tenant.Name, tenant.Issuer, tenant.ExpirySettings())
		}
		tokenStore, tenantCfg = memStore, memCfg
		log.Warn().Msg("using in-memory token store, tokens will not survive a restart")
	}

	// flow sessions
	var sessions core.SessionStore
	switch cfg.Sessions.Type {
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Sessions.Addr,
			Password: cfg.Sessions.Password,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connecting to redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		sessions = store.NewRedisSessionStore(redisClient, cfg.Sessions.Prefix)
		log.Info().Str("addr", cfg.Sessions.Addr).Msg("using redis session store")
	default:
		sessions = store.NewMemorySessionStore()
	}

	// directory from the static config sections
	subjects := make([]store.Subject, 0, len(cfg.Subjects))
	for _, s := range cfg.Subjects {
		var attrs map[string]string
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &attrs,
		})
		if err != nil {
			return fail(err)
		}
		if err := decoder.Decode(s.Attributes); err != nil {
			return fail(fmt.Errorf("subject %d attributes: %w", s.ID, err))
		}
		subjects = append(subjects, store.Subject{ID: s.ID, Status: s.Status, Attributes: attrs})
	}
	clients := make([]core.ClientRegistration, 0, len(cfg.Clients))
	for i := range cfg.Clients {
		clients = append(clients, cfg.Clients[i].Registration())
	}
	var directory core.Directory
	if sqliteStore != nil {
		if err := sqliteStore.SeedDirectory(ctx, subjects, clients); err != nil {
			return fail(fmt.Errorf("seeding directory: %w", err))
		}
		directory = sqliteStore
	} else {
		directory = store.NewMemoryDirectory(subjects, clients, true)
	}

	// operational audit sink
	var auditor core.Auditor = audit.NoopSink{}
	if cfg.Audit.Enabled {
		switch cfg.Audit.Type {
		case "file":
			sink, err := audit.NewFileSink(cfg.Audit.Path)
			if err != nil {
				return fail(fmt.Errorf("opening audit sink: %w", err))
			}
			closers = append(closers, func() { _ = sink.Close() })
			auditor = sink
		default:
			auditor = audit.NewMemorySink()
		}
	}

	// login hook
	var hook core.AuthHook = core.NoopHook{}
	if cfg.Hooks.Rules != "" {
		ruleHook, err := hooks.NewRuleHookFromFile(cfg.Hooks.Rules)
		if err != nil {
			return fail(fmt.Errorf("loading hook rules: %w", err))
		}
		if cfg.Hooks.Watch {
			if err := ruleHook.Watch(ctx, cfg.Hooks.Rules); err != nil {
				return fail(fmt.Errorf("watching hook rules: %w", err))
			}
		}
		hook = ruleHook
		log.Info().Str("rules", cfg.Hooks.Rules).Msg("login hook rules loaded")
	}

	var locker core.NamedLocker = store.NewMemoryLocker()
	if sqliteStore != nil {
		locker = sqliteStore
	}
	keyManager := keys.NewManager(tenantCfg, locker)
	tokenIssuer := issuer.New(keyManager, tokenStore, sessions, directory, tenantCfg, auditor, hook)
	tokenVerifier := verifier.New(tokenStore, directory)

	controlKey, err := cfg.ControlKeyBytes()
	if err != nil {
		return fail(err)
	}
	coordinator := flow.NewCoordinator(tokenIssuer, sessions, directory, hook, auditor, flow.Options{
		ControlKey: controlKey,
		SessionTTL: cfg.Sessions.TTL,
		ControlTTL: cfg.Sessions.ControlTTL,
	})

	return &serveDeps{
		tokenStore:  tokenStore,
		tenantCfg:   tenantCfg,
		keyManager:  keyManager,
		issuer:      tokenIssuer,
		verifier:    tokenVerifier,
		coordinator: coordinator,
	}, cleanup, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
