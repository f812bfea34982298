// Package api provides the worker's read-only operational HTTP surface.
package api

import (
	"strconv"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appforge/appforge/internal/db/models"
	"github.com/appforge/appforge/internal/db/repos"
)

// Server exposes health, job and app-build introspection, and metrics for
// operators. It carries no product routes and no authentication; it is meant
// to be bound to an internal address.
type Server struct {
	jobs *repos.BuildJobRepository
	apps *repos.AppRepository
}

// NewServer creates the operational server over the given repositories.
func NewServer(jobs *repos.BuildJobRepository, apps *repos.AppRepository) *Server {
	return &Server{jobs: jobs, apps: apps}
}

// App builds the fiber application with all routes registered.
func (s *Server) App(registry *prometheus.Registry) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(fiberlogger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	app.Get("/v1/jobs", s.listJobs)
	app.Get("/v1/jobs/:id", s.getJob)
	app.Get("/v1/apps/:id/build", s.getAppBuild)

	if registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return app
}

func (s *Server) listJobs(c *fiber.Ctx) error {
	status := models.BuildJobStatus(c.Query("status"))
	opts := &models.ListOptions{
		Limit:  c.QueryInt("limit", models.DefaultLimit),
		Offset: c.QueryInt("offset", 0),
	}

	jobs, err := s.jobs.List(c.Context(), status, opts)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

func (s *Server) getJob(c *fiber.Ctx) error {
	id, err := parseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid job id"})
	}

	job, err := s.jobs.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(job)
}

// appBuildResponse is the build-relevant subset of the app record.
type appBuildResponse struct {
	ID           uint             `json:"id"`
	Status       models.AppStatus `json:"status"`
	PackageName  string           `json:"package_name"`
	VersionCode  int              `json:"version_code"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	ArtifactSize int64            `json:"artifact_size,omitempty"`
	BuildError   string           `json:"build_error,omitempty"`
	LastBuildAt  string           `json:"last_build_at,omitempty"`
}

func (s *Server) getAppBuild(c *fiber.Ctx) error {
	id, err := parseID(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid app id"})
	}

	app, err := s.apps.GetByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}

	resp := appBuildResponse{
		ID:           app.ID,
		Status:       app.Status,
		PackageName:  app.PackageName,
		VersionCode:  app.VersionCode,
		ArtifactPath: app.ArtifactPath,
		ArtifactSize: app.ArtifactSize,
		BuildError:   app.BuildError,
	}
	if app.LastBuildAt != nil {
		resp.LastBuildAt = app.LastBuildAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return c.JSON(resp)
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
