package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/slice-gateway/internal/artifact"
	"github.com/MimeLyc/slice-gateway/internal/config"
	"github.com/MimeLyc/slice-gateway/internal/httpapi"
	"github.com/MimeLyc/slice-gateway/internal/jobs"
	"github.com/MimeLyc/slice-gateway/internal/service"
	"github.com/MimeLyc/slice-gateway/internal/upstream"
	"github.com/MimeLyc/slice-gateway/pkg/log"
)

const shutdownTimeout = 5 * time.Second

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var envFile string

	cmd := &cobra.Command{
		Use:           "slice-gateway",
		Short:         "Slice gateway for orcaslicer-web",
		Long:          `Forwards profile and slicing requests to orcaslicer-web, runs one slice at a time and moves finished GCODE into the printer's gcodes directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "KEY=VALUE file loaded before reading the environment")
	flags.String(config.KeyUpstreamURL, "http://localhost:5000", "orcaslicer-web base URL")
	flags.Int(config.KeyTimeout, 300, "slice request timeout in seconds")
	flags.String(config.KeyOutputDir, "", "directory orcaslicer-web writes GCODE into")
	flags.String(config.KeyGcodesPath, "~/printer_data/gcodes", "destination directory watched by the file lister")
	flags.String(config.KeyNotifyURL, "", "webhook notified about new GCODE files")
	flags.String(config.KeyAddr, "127.0.0.1:7130", "HTTP listen address")
	flags.String(config.KeyPrefix, "/server/orcaslicer", "HTTP route prefix")
	flags.String(config.KeyUIFile, "", "HTML document served at /ui")
	flags.String(config.KeyHealthCron, "@every 30s", "upstream health probe schedule, empty disables")
	flags.String(config.KeyLogLevel, "info", "log level: debug, info, warn, error")

	_ = v.BindPFlags(flags)
	return cmd
}

func loadConfig(v *viper.Viper, envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}
	log.InitLogger(log.ParseLevel(v.GetString(config.KeyLogLevel)))
	return config.New(v)
}

func run(ctx context.Context, cfg *config.Config) error {
	client, err := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.Upstream.URL,
		SliceTimeout: cfg.Upstream.SliceTimeout(),
	})
	if err != nil {
		return err
	}

	cronSvc := cron.New()
	monitor := service.NewHealthMonitor(client, cfg.Health.CronExpr, cronSvc)
	relocator := artifact.NewRelocator(cfg.Artifacts.GcodesPath,
		artifact.WithNotifier(artifact.NewNotifier(cfg.Artifacts.NotifyURL)))
	gateway := service.NewGateway(client, jobs.NewTracker(), relocator,
		service.WithUpstreamOutputDir(cfg.Upstream.OutputDir),
		service.WithHealthMonitor(monitor),
	)
	srv := httpapi.NewServer(gateway,
		httpapi.WithPrefix(cfg.HTTP.Prefix),
		httpapi.WithUI(cfg.HTTP.UIFile),
	)

	return runWithComponents(ctx, cfg, monitor, cronSvc, srv)
}

// runWithComponents starts the probe schedule and the HTTP server and blocks
// until ctx is cancelled or the server fails.
func runWithComponents(
	ctx context.Context,
	cfg *config.Config,
	sched scheduler,
	cronSvc cronEngine,
	httpSrv httpServer,
) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("failed to schedule health probe: %w", err)
	}
	cronSvc.Start()
	defer cronSvc.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Slice gateway listening on %s%s", cfg.HTTP.Addr, cfg.HTTP.Prefix)
		if err := httpSrv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down slice gateway")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
