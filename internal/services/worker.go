package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/appforge/appforge/internal/builder"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/db/models"
	"github.com/appforge/appforge/internal/db/repos"
	"github.com/appforge/appforge/internal/logger"
	"github.com/appforge/appforge/internal/metrics"
)

// defaultBuildCommand is what the build container runs against the mounted
// project tree.
var defaultBuildCommand = []string{"./gradlew", "assembleRelease", "--no-daemon"}

// Worker is the sequential polling loop that turns claimed build jobs into
// committed artifacts. One worker processes one job at a time; horizontal
// scaling means running more worker processes, with correctness delegated
// entirely to the queue's atomic claim.
type Worker struct {
	queue        *Queue
	apps         *repos.AppRepository
	materializer *builder.Materializer
	runner       builder.Runner
	committer    *builder.Committer
	metrics      *metrics.Metrics
	cfg          config.Pipeline
}

// NewWorker wires a worker from its collaborators. metrics may be nil.
func NewWorker(
	queue *Queue,
	apps *repos.AppRepository,
	materializer *builder.Materializer,
	runner builder.Runner,
	committer *builder.Committer,
	m *metrics.Metrics,
	cfg config.Pipeline,
) *Worker {
	return &Worker{
		queue:        queue,
		apps:         apps,
		materializer: materializer,
		runner:       runner,
		committer:    committer,
		metrics:      m,
		cfg:          cfg,
	}
}

// Run polls the queue until ctx is canceled. Per-job errors are converted
// into failed completions and never stop the loop; only a fatal startup
// error terminates it.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.WorkspacesRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace root %s: %w", w.cfg.WorkspacesRoot, err)
	}

	logger.Infof("Worker %s started", w.cfg.WorkerID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker received shutdown signal, stopping...")
			return nil
		default:
		}

		job, err := w.queue.ClaimNext(ctx, w.cfg.WorkerID)
		if err != nil {
			logger.Errorf("Worker error claiming job: %v", err)
			// Wait before retrying to avoid spamming logs on persistent DB errors
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			logger.Debug("Worker: no claimable jobs")
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.ProcessJob(ctx, job)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// buildOutcome carries what the failure and success paths both need.
type buildOutcome struct {
	logs     string
	artifact *builder.Artifact
	timedOut bool
}

// ProcessJob runs one claimed job end-to-end: flip the app to processing,
// materialize, build, commit, complete. Every error raised along the way,
// panics included, is converted into a failed completion plus an app-record
// failure write.
func (w *Worker) ProcessJob(ctx context.Context, job *models.BuildJob) {
	start := time.Now()
	if w.metrics != nil {
		w.metrics.BuildsClaimed.Inc()
	}
	logger.InfoWithFields("Claimed build job", map[string]interface{}{
		"job_id":   job.ID,
		"app_id":   job.AppID,
		"attempts": job.Attempts,
	})

	var outcome buildOutcome
	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic while processing job %d: %v", job.ID, r)
			}
		}()
		outcome, execErr = w.executeJob(ctx, job)
	}()

	if execErr != nil {
		w.finishFailed(ctx, job, outcome, execErr)
	} else {
		w.finishSucceeded(ctx, job, outcome)
	}

	if w.metrics != nil {
		w.metrics.BuildDuration.Observe(time.Since(start).Seconds())
	}
}

// executeJob performs the actual pipeline for one job. The scratch workspace
// is always removed on exit, success or failure.
func (w *Worker) executeJob(ctx context.Context, job *models.BuildJob) (buildOutcome, error) {
	var outcome buildOutcome

	app, err := w.apps.GetByID(ctx, job.AppID)
	if err != nil {
		return outcome, err
	}

	packageName := app.PackageName
	if packageName == "" {
		packageName = derivePackageName(app.ID)
	}
	versionCode := app.VersionCode + 1

	// Make "processing" visible to external observers before any slow work.
	if err := w.apps.MarkProcessing(ctx, app.ID, packageName, versionCode); err != nil {
		return outcome, fmt.Errorf("failed to mark app processing: %w", err)
	}

	workspace := filepath.Join(w.cfg.WorkspacesRoot, fmt.Sprintf("job-%d", job.ID))
	// A reclaimed job may leave a stale workspace from the crashed attempt.
	if err := os.RemoveAll(workspace); err != nil {
		return outcome, fmt.Errorf("failed to clear workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logger.Errorf("Failed to remove workspace %s: %v", workspace, err)
		}
	}()

	spec := projectSpecForApp(app, packageName, versionCode)
	iconOutcome, err := w.materializer.Render(ctx, workspace, spec)
	if err != nil {
		return outcome, fmt.Errorf("failed to materialize project: %w", err)
	}
	if iconOutcome.Rendered {
		logger.Debugf("Rendered custom icon set for app %d", app.ID)
	}

	result := w.runner.Run(ctx, builder.RunSpec{
		Image:      w.cfg.BuildImage,
		ProjectDir: workspace,
		Command:    defaultBuildCommand,
		Timeout:    w.cfg.BuildTimeout,
	})
	outcome.logs = truncateTail(result.Output, builder.MaxOutputTail)
	if !result.OK {
		if strings.Contains(result.Output, builder.TimeoutMarker) {
			outcome.timedOut = true
			return outcome, fmt.Errorf("build timed out after %s", w.cfg.BuildTimeout)
		}
		return outcome, fmt.Errorf("build command failed")
	}

	artifact, err := w.committer.Commit(workspace, app.ID, job.ID)
	if err != nil {
		return outcome, err
	}
	outcome.artifact = artifact
	return outcome, nil
}

func (w *Worker) finishSucceeded(ctx context.Context, job *models.BuildJob, outcome buildOutcome) {
	if err := w.apps.MarkLive(ctx, job.AppID, repos.CommittedArtifact{
		Path: outcome.artifact.Path,
		Mime: outcome.artifact.Mime,
		Size: outcome.artifact.Size,
	}, outcome.logs); err != nil {
		w.finishFailed(ctx, job, outcome, fmt.Errorf("failed to record artifact: %w", err))
		return
	}
	if err := w.queue.Complete(ctx, job.ID, models.BuildJobStatusSucceeded, ""); err != nil {
		logger.Errorf("Failed to complete job %d: %v", job.ID, err)
		return
	}
	if w.metrics != nil {
		w.metrics.BuildsSucceeded.Inc()
	}
	logger.InfoWithFields("Build job succeeded", map[string]interface{}{
		"job_id":   job.ID,
		"app_id":   job.AppID,
		"artifact": outcome.artifact.Path,
	})
}

func (w *Worker) finishFailed(ctx context.Context, job *models.BuildJob, outcome buildOutcome, execErr error) {
	msg := shortMessage(execErr)
	if err := w.apps.MarkFailed(ctx, job.AppID, msg, outcome.logs); err != nil {
		logger.Errorf("Failed to record build failure on app %d: %v", job.AppID, err)
	}
	if err := w.queue.Complete(ctx, job.ID, models.BuildJobStatusFailed, msg); err != nil {
		logger.Errorf("Failed to complete job %d: %v", job.ID, err)
	}
	if w.metrics != nil {
		w.metrics.BuildsFailed.Inc()
		if outcome.timedOut {
			w.metrics.BuildsTimedOut.Inc()
		}
	}
	logger.ErrorWithFields("Build job failed", map[string]interface{}{
		"job_id": job.ID,
		"app_id": job.AppID,
		"error":  msg,
	})
}

// derivePackageName deterministically derives a valid package name from the
// app id for apps that never had one assigned.
func derivePackageName(appID uint) string {
	return fmt.Sprintf("com.appforge.app%d", appID)
}

// projectSpecForApp maps the app record onto the materializer's input,
// decoding an inline data-URI icon when the record carries one.
func projectSpecForApp(app *models.App, packageName string, versionCode int) builder.ProjectSpec {
	spec := builder.ProjectSpec{
		AppID:        app.ID,
		AppName:      app.Name,
		StartURL:     app.StartURL,
		PrimaryColor: app.PrimaryColor,
		IconColor:    app.IconColor,
		PackageName:  packageName,
		VersionCode:  versionCode,
	}
	if data, ok := decodeInlineIcon(app.IconURL); ok {
		spec.IconData = data
	} else {
		spec.IconURL = app.IconURL
	}
	return spec
}

// decodeInlineIcon extracts the payload of a base64 data URI. Anything else
// is treated as a remote reference.
func decodeInlineIcon(ref string) ([]byte, bool) {
	if !strings.HasPrefix(ref, "data:") {
		return nil, false
	}
	idx := strings.Index(ref, ",")
	if idx < 0 || !strings.Contains(ref[:idx], ";base64") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(ref[idx+1:])
	if err != nil {
		return nil, false
	}
	return data, true
}

// shortMessage reduces an error to a single bounded line suitable for the
// app's build_error summary field.
func shortMessage(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// truncateTail keeps the last max characters of s.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
