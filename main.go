package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"renditiond/breakpoints"
	"renditiond/cache"
	"renditiond/config"
	"renditiond/credentials"
	"renditiond/descriptors"
	"renditiond/encoder"
	"renditiond/failures"
	"renditiond/logger"
	"renditiond/metrics"
	"renditiond/mirror"
	"renditiond/models"
	"renditiond/routes"
	"renditiond/success"
	"renditiond/utils"
)

const (
	cleanupInterval = 24 * time.Hour
	recordRetention = 30 * 24 * time.Hour
	shutdownTimeout = 30 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:          "renditiond",
		Short:        "Serve responsive image renditions with tiered caching",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(serveCmd(), planCmd(), tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func planCmd() *cobra.Command {
	var minW, maxW, width, height int
	cmd := &cobra.Command{
		Use:   "plan <sizes>",
		Short: "Print the widths planned for a sizes expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var source *models.Size
			if width > 0 {
				source = &models.Size{Width: width, Height: height}
			}
			widths := breakpoints.Plan(args[0], breakpoints.Options{MinWidth: minW, MaxWidth: maxW}, nil, source)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(widths)
		},
	}
	cmd.Flags().IntVar(&minW, "min", breakpoints.DefaultMinWidth, "smallest viewport width")
	cmd.Flags().IntVar(&maxW, "max", breakpoints.DefaultMaxWidth, "largest viewport width")
	cmd.Flags().IntVar(&width, "width", 0, "source image width; wider widths are dropped")
	cmd.Flags().IntVar(&height, "height", 0, "source image height")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an admin token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not set")
			}
			now := time.Now()
			token, err := utils.CreateAdminJWT(&utils.AdminClaims{
				Issuer:    cfg.Server.JWTIssuer,
				Subject:   subject,
				IssuedAt:  now.Unix(),
				ExpiresAt: now.Add(ttl).Unix(),
				Scope:     []string{utils.AdminScope},
			}, []byte(cfg.Server.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Server.LogFile, true, logger.ParseLevel(cfg.Server.LogLevel)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	logger.Info("Starting renditiond")

	if err := os.MkdirAll(config.GetSourcesDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	creds, err := credentials.Open(config.GetCredentialsDBPath())
	if err != nil {
		return err
	}
	defer creds.Close()

	failureStore, err := failures.Open(config.GetFailuresDBPath())
	if err != nil {
		return err
	}
	defer failureStore.Close()

	successStore, err := success.Open(config.GetSuccessDBPath())
	if err != nil {
		return err
	}
	defer successStore.Close()
	logger.Info("Ledgers opened")

	codec := encoder.New(config.GetScratchDir())
	if len(codec.Formats()) == 0 {
		logger.Warn("no encoder tools found on PATH, every render will fail")
	} else {
		logger.Infof("Encoders available for %v", codec.Formats())
	}

	planner := breakpoints.Options{MinWidth: cfg.Planner.MinWidth, MaxWidth: cfg.Planner.MaxWidth}
	store := descriptors.NewStore(codec, descriptors.Options{
		ThumbnailSize:  cfg.Cache.ThumbnailSize,
		AllowedSources: cfg.Sources.Allowed,
		Planner:        planner,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var replicator *mirror.Replicator
	opts := cache.Options{
		ResolutionThreshold: cfg.Cache.ResolutionThreshold,
		MemoryMaxEntries:    cfg.Cache.MemoryMaxEntries,
		Disk: cache.DiskOptions{
			Dir:           cfg.Cache.ImageCacheDir,
			MaxBytes:      int64(cfg.Cache.DiskCacheMB) << 20,
			PruneInterval: cfg.Cache.PruneInterval,
			MaxAge:        cfg.Cache.MaxAge,
			HashSeed:      cfg.Cache.HashSeed,
		},
		Crop: cache.DiskOptions{
			Dir:           cfg.Cache.CropCacheDir,
			MaxBytes:      int64(cfg.Cache.CropCacheMB) << 20,
			PruneInterval: cfg.Cache.PruneInterval,
			MaxAge:        cfg.Cache.MaxAge,
			HashSeed:      cfg.Cache.HashSeed,
		},
		MaxConcurrent: cfg.Cache.MaxConcurrent,
		Failures:      failureStore,
		Successes:     successStore,
		Metrics:       m,
	}
	if cfg.Mirror.Enabled && len(cfg.Mirror.Targets) > 0 {
		targets := make([]mirror.Target, 0, len(cfg.Mirror.Targets))
		for _, t := range cfg.Mirror.Targets {
			targets = append(targets, mirror.Target{Type: t.Type, CredentialsKey: t.CredentialsKey, Folder: t.Folder})
		}
		replicator = mirror.NewReplicator(creds, mirror.Options{
			Targets:  targets,
			Workers:  cfg.Mirror.Workers,
			ServeDir: config.GetDataDir(),
			Metrics:  m,
		})
		replicator.Start(ctx)
		opts.Replicator = replicator
	}

	manager, err := cache.New(store, codec, opts)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	registerGauges(reg, manager, store)

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go cleanupRoutine(cleanupCtx, failureStore, successStore)

	srv := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: routes.NewRouter(routes.Deps{
			Renditions:  manager,
			Descriptors: store,
			Failures:    failureStore,
			Successes:   successStore,
			Credentials: creds,
			Gatherer:    reg,
			StaticPath:  cfg.Server.StaticPath,
			Planner:     planner,
			JWT:         utils.VerifyConfig{SecretKey: []byte(cfg.Server.JWTSecret), ExpectedIssuer: cfg.Server.JWTIssuer},
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("renditiond listening on %s", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err = <-errCh:
		if err != nil {
			logger.Errorf("Server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("HTTP shutdown failed: %v", serr)
	}
	if serr := manager.Stop(); serr != nil {
		logger.Errorf("Cache shutdown failed: %v", serr)
	}
	if replicator != nil {
		replicator.Close()
	}
	logger.Info("Stopped")
	return err
}

func registerGauges(reg prometheus.Registerer, manager *cache.Manager, store *descriptors.Store) {
	metrics.RegisterGaugeFunc(reg, "descriptors", "registered", "Registered rendition descriptors.", func() float64 {
		return float64(store.Len())
	})
	metrics.RegisterGaugeFunc(reg, "queue", "in_flight_renders", "Renders with at least one waiter.", func() float64 {
		return float64(manager.Stats().InFlightRenders)
	})
	metrics.RegisterGaugeFunc(reg, "queue", "waiting_jobs", "Jobs waiting for a worker slot.", func() float64 {
		return float64(manager.Stats().Waiting)
	})
	metrics.RegisterGaugeFunc(reg, "cache", "memory_bytes", "Bytes held by the memory tier.", func() float64 {
		return float64(manager.Stats().Memory.Bytes)
	})
	metrics.RegisterGaugeFunc(reg, "cache", "disk_bytes", "Bytes held by the disk tier.", func() float64 {
		return float64(manager.Stats().Disk.Bytes)
	})
}

// cleanupRoutine periodically drops old success and failure records.
func cleanupRoutine(ctx context.Context, failureStore *failures.Store, successStore *success.Store) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Cleanup routine stopped")
			return
		case <-ticker.C:
			if n, err := successStore.CleanupOldRecords(recordRetention); err != nil {
				logger.Errorf("Failed to cleanup old success records: %v", err)
			} else {
				logger.Infof("Removed %d success records older than %v", n, recordRetention)
			}
			if n, err := failureStore.CleanupOldRecords(recordRetention); err != nil {
				logger.Errorf("Failed to cleanup old failure records: %v", err)
			} else {
				logger.Infof("Removed %d failure records older than %v", n, recordRetention)
			}
		}
	}
}
