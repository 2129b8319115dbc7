package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wirecall-dev/wirecall"
	"github.com/wirecall-dev/wirecall/examples/bookdemo"
	"github.com/wirecall-dev/wirecall/internal/config"
	"github.com/wirecall-dev/wirecall/internal/diag"
	"github.com/wirecall-dev/wirecall/pkg/middleware"
	"github.com/wirecall-dev/wirecall/pkg/session"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		dev        bool
		demo       bool
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the call server",
		Long: `Start the call server described by wirecall.json.

The server mounts every configured service under the base path,
answers socket upgrades on the socket path, and exposes health and
metrics endpoints when configured.

Examples:
  wirecall serve
  wirecall serve --listen=:9090
  wirecall serve --demo --dev
  wirecall serve --config=deploy/wirecall.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, listen, dev, demo, envFile)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to wirecall.json (default: search upward from cwd)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address override")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development mode: relaxed origins, exposed errors")
	cmd.Flags().BoolVar(&demo, "demo", false, "Mount the demo book service")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Env file to load (default: .env when present)")

	return cmd
}

func runServe(configPath, listen string, dev, demo bool, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else {
		// Missing .env is fine.
		_ = godotenv.Load()
	}

	cfg, err := loadServeConfig(configPath, demo)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if dev {
		cfg.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	secrets, err := cfg.ResolveSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		if !cfg.Development {
			return diag.New("W101").
				WithDetail("No secrets configured; tokens would not survive a restart.").
				WithSuggestion("Run `wirecall keygen` and add the output to wirecall.json")
		}
		warn("no secrets configured, sessions die with the process")
	}

	level := slog.LevelInfo
	if cfg.Development {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ttl, err := cfg.SessionTTL()
	if err != nil {
		return err
	}

	cache := wirecall.CacheControlNone
	if !cfg.Development {
		cache = wirecall.CacheControlProduction
	}

	app, err := wirecall.New(wirecall.Config{
		BasePath:    cfg.BasePath,
		SocketPath:  cfg.SocketPath,
		Secrets:     secrets,
		Development: cfg.Development,
		Logger:      logger,
		Session: wirecall.SessionConfig{
			Store:      store,
			CookieName: cfg.Session.CookieName,
			TTL:        ttl,
		},
		Security: wirecall.SecurityConfig{
			AllowedOrigins:  cfg.Security.AllowedOrigins,
			DefaultMode:     wirecall.Mode(cfg.Security.DefaultMode),
			ForceTokenCheck: cfg.Security.ForceTokenCheck,
			ExposeErrors:    cfg.Security.ExposeErrors,
			TrustedProxies:  cfg.Security.TrustedProxies,
		},
		Static: wirecall.StaticConfig{
			Dir:          cfg.StaticDir(),
			Prefix:       cfg.Static.Prefix,
			CacheControl: cache,
		},
		Limits: wirecall.LimitsConfig{
			MaxBodyBytes:          cfg.Limits.MaxBodyBytes,
			MaxFrameBytes:         cfg.Limits.MaxFrameBytes,
			MaxSocketMessageBytes: cfg.Limits.MaxSocketMessageBytes,
		},
	})
	if err != nil {
		return err
	}

	if demo {
		if err := bookdemo.Register(app); err != nil {
			return err
		}
	}

	router, err := buildRouter(cfg, app)
	if err != nil {
		return err
	}

	printBanner()
	fmt.Println()
	if cfg.Name != "" {
		info("Name:     %s", cfg.Name)
	}
	info("Listen:   http://%s", displayAddr(cfg.Listen))
	info("Calls:    %s/<service>/<method>", cfg.BasePath)
	info("Socket:   %s", cfg.SocketPath)
	info("Sessions: %s", cfg.Session.Store)
	if demo {
		info("Demo:     %s/books/listBooks", cfg.BasePath)
	}
	if cfg.Development {
		warn("development mode, do not expose this server")
	}
	fmt.Println()

	return serveUntilSignal(cfg.Listen, router, app, logger)
}

// loadServeConfig resolves the configuration source. --demo runs with
// pure defaults when no wirecall.json exists anywhere.
func loadServeConfig(configPath string, demo bool) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	cfg, err := config.LoadFromWorkingDir()
	if err != nil {
		var derr *diag.Error
		if demo && errors.As(err, &derr) && derr.Code == "W103" {
			return config.New(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// buildStore constructs the configured session store and returns a
// close function for shutdown.
func buildStore(cfg *config.Config, logger *slog.Logger) (session.SessionStore, func(), error) {
	switch cfg.Session.Store {
	case "postgres":
		db, err := sql.Open("pgx", cfg.PostgresDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		if n := cfg.Session.Postgres.MaxConns; n > 0 {
			db.SetMaxOpenConns(n)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("reaching postgres: %w", err)
		}

		store := session.NewSQLStore(db)
		if err := store.CreateTable(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("creating session table: %w", err)
		}
		logger.Info("session store ready", "store", "postgres")
		return store, func() { store.Close(); db.Close() }, nil

	case "s3":
		store := session.NewS3Store(
			s3ClientFromEnv(cfg.Session.S3.Region),
			cfg.Session.S3.Bucket,
			session.WithS3Prefix(cfg.Session.S3.Prefix),
		)
		logger.Info("session store ready", "store", "s3", "bucket", cfg.Session.S3.Bucket)
		return store, func() { store.Close() }, nil

	default:
		store := session.NewMemoryStore()
		return store, func() { store.Close() }, nil
	}
}

// s3ClientFromEnv builds an S3 client from the standard AWS
// environment variables, honoring AWS_ENDPOINT_URL_S3 for
// S3-compatible stores.
func s3ClientFromEnv(region string) *s3.Client {
	opts := s3.Options{Region: region}
	if opts.Region == "" {
		opts.Region = os.Getenv("AWS_REGION")
	}

	id := os.Getenv("AWS_ACCESS_KEY_ID")
	secret := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id != "" && secret != "" {
		token := os.Getenv("AWS_SESSION_TOKEN")
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     id,
				SecretAccessKey: secret,
				SessionToken:    token,
				Source:          "environment",
			}, nil
		})
	}

	if endpoint := os.Getenv("AWS_ENDPOINT_URL_S3"); endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}

	return s3.New(opts)
}

// buildRouter wires the app, observability middleware and the health
// and metrics endpoints into one handler.
func buildRouter(cfg *config.Config, app *wirecall.App) (http.Handler, error) {
	r := chi.NewRouter()

	var handler http.Handler = app

	if path := cfg.Observability.MetricsPath; path != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := reg.Register(middleware.NewEngineCollector(app.Engine())); err != nil {
			return nil, fmt.Errorf("registering engine collector: %w", err)
		}
		handler = middleware.Metrics(middleware.WithRegistry(reg))(handler)
		r.Method(http.MethodGet, path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	handler = middleware.OpenTelemetry()(handler)

	if path := cfg.Observability.HealthPath; path != "" {
		r.Get(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}` + "\n"))
		})
	}

	r.Mount("/", handler)
	return r, nil
}

// serveUntilSignal runs the server until SIGINT/SIGTERM, then drains
// in-flight calls and open sockets.
func serveUntilSignal(addr string, handler http.Handler, app *wirecall.App, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return diag.New("W102").Wrap(err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := srv.Shutdown(drainCtx)
	if aerr := app.Shutdown(drainCtx); err == nil {
		err = aerr
	}
	if err != nil {
		return err
	}
	success("stopped cleanly")
	return nil
}

// displayAddr turns a listen address into something clickable.
func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
