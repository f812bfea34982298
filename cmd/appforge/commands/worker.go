package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/appforge/appforge/internal/api"
	"github.com/appforge/appforge/internal/builder"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/db/repos"
	"github.com/appforge/appforge/internal/logger"
	"github.com/appforge/appforge/internal/metrics"
	"github.com/appforge/appforge/internal/services"
)

var workerNoIcons bool

func init() {
	workerCmd.Flags().BoolVar(&workerNoIcons, "no-icons", false, "Disable the custom icon rendering capability")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a build worker process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		database, err := openDB()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("failed to create docker client: %w", err)
		}

		jobRepo := repos.NewBuildJobRepository(database)
		appRepo := repos.NewAppRepository(database)
		queue := services.NewQueue(jobRepo, cfg.LeaseTTL, cfg.MaxAttempts)

		// Icon rendering is an optional capability decided here, once.
		var icons builder.IconRenderer
		if !workerNoIcons {
			icons = builder.NewLauncherIconRenderer()
		} else {
			logger.Warn("Custom icon rendering disabled; apps keep the default icon")
		}

		materializer := builder.NewMaterializer(cfg.TemplateDir, icons)
		runner := builder.NewDockerRunner(dockerClient)
		committer := builder.NewCommitter(cfg.ArtifactsRoot)

		registry := prometheus.NewRegistry()
		workerMetrics := metrics.New(registry)

		worker := services.NewWorker(queue, appRepo, materializer, runner, committer, workerMetrics, cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Operational surface: health, job introspection, metrics.
		opsApp := api.NewServer(jobRepo, appRepo).App(registry)
		go func() {
			if err := opsApp.Listen(cfg.OpsAddr); err != nil {
				logger.Errorf("Ops server stopped: %v", err)
			}
		}()
		defer func() {
			if err := opsApp.Shutdown(); err != nil {
				logger.Errorf("Ops server shutdown: %v", err)
			}
		}()

		return worker.Run(ctx)
	},
}
