package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"crudforge/internal/admin"
	"crudforge/internal/auth"
	"crudforge/internal/config"
	"crudforge/internal/engine"
	"crudforge/internal/gateway"
	"crudforge/internal/instrument"
	"crudforge/internal/logger"
	"crudforge/internal/metadata"
	"crudforge/internal/pubsub"
	"crudforge/internal/resource"
	"crudforge/internal/socket"
	"crudforge/internal/store"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "crudforge",
		Short:         "CRUD resources over REST, GraphQL and websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default ./app.yaml)")
	flags.Int("port", 8080, "port to listen on")
	flags.String("base-path", "/api", "path prefix of the resource routes")
	flags.String("db-driver", "postgres", "database driver: postgres or sqlite")
	flags.String("db-name", "crudforge", "database name")
	flags.String("db-path", "./data", "directory of sqlite database files, or :memory:")
	flags.String("pubsub-driver", "memory", "websocket pubsub: memory, redis, nats or kafka")
	flags.String("log-level", "info", "log level")
	flags.String("models", "./models", "directory of model files")

	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Serve the resources (default)", RunE: runServe},
		&cobra.Command{Use: "migrate", Short: "Create the tables of every model and exit", RunE: runMigrate},
		tokenCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFlags(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}

// open loads the models, connects to the database and migrates it.
func open(ctx context.Context, cfg *config.Config) (*store.Store, *metadata.Catalog, error) {
	log := logger.Default().WithField("component", "server")

	models, err := metadata.LoadModels(cfg.ModelsDir)
	if err != nil {
		return nil, nil, err
	}
	catalog := metadata.NewCatalog()
	if err := catalog.Add(models...); err != nil {
		return nil, nil, fmt.Errorf("load models: %w", err)
	}
	log.WithField("models", len(models)).Info("models loaded")

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := store.NewMigrator(db).Migrate(ctx, catalog); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.WithField("driver", cfg.Database.Driver).Info("database ready")
	return db, catalog, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, _, err := open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return db.Close()
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Default().WithField("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, catalog, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := instrument.New()

	ps, err := pubsub.Open(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("open pubsub: %w", err)
	}
	defer ps.Close()

	sockets := socket.NewManager(ps, socket.Options{
		Channel:          cfg.PubSub.Channel,
		ReadTimeout:      cfg.PubSub.ReadTimeout,
		WriteTimeout:     cfg.PubSub.WriteTimeout,
		TrustClientID:    cfg.Auth.JWTSecret == "",
		NotifyDisconnect: true,
		Accept:           socket.OwnTargetsOnly,
		Metrics:          metrics,
	})
	if err := sockets.Start(ctx); err != nil {
		log.WithError(err).Warn("websocket messages will not be delivered")
	}
	defer sockets.Close()

	router := engine.NewRouter()
	registry := resource.NewRegistry(catalog, router, resource.RegistryOptions{
		Quiescence: cfg.Registry.Quiescence,
		Metrics:    metrics,
	})
	for _, m := range catalog.Models() {
		opts, err := resource.OptionsFromSpec(m.Resource)
		if err != nil {
			return fmt.Errorf("model %s: %w", m.Name, err)
		}
		if opts.DefaultLimit == 0 {
			opts.DefaultLimit = cfg.DefaultLimit
		}
		if opts.MaxLimit == 0 {
			opts.MaxLimit = cfg.MaxLimit
		}
		opts.Repository.Metrics = metrics
		if _, err := registry.New(db, m.Name, opts); err != nil {
			return err
		}
	}
	if err := registry.Finalize(ctx); err != nil {
		return fmt.Errorf("resolve resources: %w", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(logger.Middleware())

	authMW := auth.AuthMiddleware(cfg.Auth.JWTSecret)
	h := engine.NewHandler(registry, router, cfg.Server.BasePath)
	engine.RegisterHealthRoutes(app, h, metrics)
	gateway.Register(app, "/graphql", gateway.New(registry), authMW)
	app.Use("/ws", authMW)
	socket.Register(app, "/ws", sockets)
	admin.RegisterAdminRoutes(app, cfg.Server.BasePath+"/_admin", admin.NewHandler(registry), authMW, auth.RequireAdmin())
	engine.RegisterDynamicRoutes(app, h, authMW)

	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.WithField("addr", addr).Info("listening")
		errc <- app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// tokenCommand issues an access token signed with the configured secret,
// for local testing of policies.
func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Print a signed access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			var list []string
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					list = append(list, r)
				}
			}
			token, err := auth.GenerateAccessToken(args[0], list, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("roles", "", "comma-separated roles")
	cmd.Flags().Duration("ttl", auth.AccessTokenTTL, "token lifetime")
	return cmd
}
