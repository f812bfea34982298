package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/appforge/appforge/internal/builder"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/db/models"
	"github.com/appforge/appforge/internal/db/repos"
)

// runnerFunc adapts a function to the builder.Runner interface.
type runnerFunc func(ctx context.Context, spec builder.RunSpec) builder.Result

func (f runnerFunc) Run(ctx context.Context, spec builder.RunSpec) builder.Result {
	return f(ctx, spec)
}

type WorkerTestSuite struct {
	suite.Suite
	db      *gorm.DB
	ctx     context.Context
	jobRepo *repos.BuildJobRepository
	appRepo *repos.AppRepository
	queue   *Queue
	cfg     config.Pipeline
}

func (s *WorkerTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	require.NoError(s.T(), err)

	sqlDB, err := db.DB()
	require.NoError(s.T(), err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(s.T(), db.AutoMigrate(&models.App{}, &models.BuildJob{}))

	s.db = db
	s.ctx = context.Background()
	s.jobRepo = repos.NewBuildJobRepository(db)
	s.appRepo = repos.NewAppRepository(db)

	s.cfg = config.Pipeline{
		ArtifactsRoot:  s.T().TempDir(),
		WorkspacesRoot: s.T().TempDir(),
		TemplateDir:    s.writeTemplate(),
		BuildImage:     "appforge/android-build:latest",
		PollInterval:   10 * time.Millisecond,
		BuildTimeout:   time.Minute,
		MaxAttempts:    3,
		LeaseTTL:       30 * time.Minute,
		WorkerID:       "test-worker",
	}
	s.queue = NewQueue(s.jobRepo, s.cfg.LeaseTTL, s.cfg.MaxAttempts)
}

func (s *WorkerTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// writeTemplate lays down the smallest template the materializer accepts.
func (s *WorkerTestSuite) writeTemplate() string {
	dir := s.T().TempDir()
	files := map[string]string{
		"app/build.gradle": "applicationId \"" + builder.PackageNameToken + "\"\nversionCode " + builder.VersionCodeToken + "\n",
		"app/src/main/res/values/strings.xml": "<resources><string name=\"app_name\">" + builder.AppNameToken + "</string>" +
			"<string name=\"start_url\">" + builder.StartURLToken + "</string></resources>\n",
		"app/src/main/java/" + builder.PackagePathToken + "/MainActivity.kt": "package " + builder.PackageNameToken + "\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(s.T(), os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(s.T(), os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func (s *WorkerTestSuite) newWorker(runner builder.Runner) *Worker {
	materializer := builder.NewMaterializer(s.cfg.TemplateDir, nil)
	committer := builder.NewCommitter(s.cfg.ArtifactsRoot)
	return NewWorker(s.queue, s.appRepo, materializer, runner, committer, nil, s.cfg)
}

func (s *WorkerTestSuite) createApp() *models.App {
	app := &models.App{
		OwnerID:  1,
		Name:     "Worker Test App",
		StartURL: "https://example.com",
	}
	s.Require().NoError(s.appRepo.Create(s.ctx, app))
	return app
}

func (s *WorkerTestSuite) enqueueAndClaim(app *models.App) *models.BuildJob {
	_, err := s.queue.Enqueue(s.ctx, app.OwnerID, app.ID)
	s.Require().NoError(err)
	job, err := s.queue.ClaimNext(s.ctx, s.cfg.WorkerID)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	return job
}

// successRunner pretends the build tool ran and produced the release package.
func (s *WorkerTestSuite) successRunner(apkContent []byte) builder.Runner {
	return runnerFunc(func(_ context.Context, spec builder.RunSpec) builder.Result {
		apk := filepath.Join(spec.ProjectDir, "app", "build", "outputs", "apk", "release", "app-release.apk")
		s.Require().NoError(os.MkdirAll(filepath.Dir(apk), 0o755))
		s.Require().NoError(os.WriteFile(apk, apkContent, 0o644))
		return builder.Result{OK: true, Output: "BUILD SUCCESSFUL in 40s"}
	})
}

func (s *WorkerTestSuite) TestProcessJobSuccess() {
	app := s.createApp()
	job := s.enqueueAndClaim(app)
	apkContent := []byte("PK fake package bytes")

	worker := s.newWorker(s.successRunner(apkContent))
	worker.ProcessJob(s.ctx, job)

	gotJob, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusSucceeded, gotJob.Status)
	s.Empty(gotJob.Error)

	gotApp, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusLive, gotApp.Status)
	s.Equal(fmt.Sprintf("com.appforge.app%d", app.ID), gotApp.PackageName)
	s.Equal(1, gotApp.VersionCode)
	s.Contains(gotApp.BuildLogs, "BUILD SUCCESSFUL")
	s.NotNil(gotApp.LastBuildAt)

	info, err := os.Stat(gotApp.ArtifactPath)
	s.Require().NoError(err, "artifact path must point at an existing file")
	s.Equal(info.Size(), gotApp.ArtifactSize)
	s.Equal(int64(len(apkContent)), gotApp.ArtifactSize)

	// The scratch workspace is always removed.
	_, err = os.Stat(filepath.Join(s.cfg.WorkspacesRoot, fmt.Sprintf("job-%d", job.ID)))
	s.True(os.IsNotExist(err))
}

func (s *WorkerTestSuite) TestProcessJobVersionCodeIncrements() {
	app := s.createApp()

	job := s.enqueueAndClaim(app)
	s.newWorker(s.successRunner([]byte("v1"))).ProcessJob(s.ctx, job)

	job = s.enqueueAndClaim(app)
	s.newWorker(s.successRunner([]byte("v2"))).ProcessJob(s.ctx, job)

	gotApp, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(2, gotApp.VersionCode)
}

func (s *WorkerTestSuite) TestProcessJobBuildFailure() {
	app := s.createApp()
	job := s.enqueueAndClaim(app)

	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		return builder.Result{OK: false, Output: "FAILURE: Build failed with an exception."}
	}))
	worker.ProcessJob(s.ctx, job)

	gotJob, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusFailed, gotJob.Status)
	s.NotEmpty(gotJob.Error)

	gotApp, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusFailed, gotApp.Status)
	s.NotEmpty(gotApp.BuildError)
	s.Contains(gotApp.BuildLogs, "FAILURE: Build failed")
	s.Empty(gotApp.ArtifactPath, "a failed run must leave the artifact pointer as it was")

	_, err = os.Stat(filepath.Join(s.cfg.WorkspacesRoot, fmt.Sprintf("job-%d", job.ID)))
	s.True(os.IsNotExist(err), "the workspace is removed on failure too")
}

func (s *WorkerTestSuite) TestProcessJobTimeout() {
	app := s.createApp()
	job := s.enqueueAndClaim(app)

	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		return builder.Result{OK: false, Output: "compiling...\n" + builder.TimeoutMarker + " after 20m0s; container killed ---"}
	}))
	worker.ProcessJob(s.ctx, job)

	gotApp, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusFailed, gotApp.Status)
	s.Contains(gotApp.BuildError, "timed out")
	s.Contains(gotApp.BuildLogs, builder.TimeoutMarker)
}

func (s *WorkerTestSuite) TestProcessJobMaterializerErrorIsRouted() {
	app := s.createApp()
	// An invalid assigned package name is a configuration error raised early
	// in the materializer.
	s.Require().NoError(s.db.Model(&models.App{}).Where("id = ?", app.ID).
		Update("package_name", "Not A Package").Error)

	job := s.enqueueAndClaim(app)

	var runnerCalled atomic.Bool
	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		runnerCalled.Store(true)
		return builder.Result{OK: true}
	}))
	worker.ProcessJob(s.ctx, job)

	s.False(runnerCalled.Load(), "the build must not run for an unmaterializable project")

	gotJob, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusFailed, gotJob.Status)
	s.Contains(gotJob.Error, "invalid package name")

	gotApp, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusFailed, gotApp.Status)
}

func (s *WorkerTestSuite) TestProcessJobPanicIsConverted() {
	app := s.createApp()
	job := s.enqueueAndClaim(app)

	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		panic("runner exploded")
	}))
	worker.ProcessJob(s.ctx, job)

	gotJob, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusFailed, gotJob.Status)
	s.Contains(gotJob.Error, "panic")

	gotApp, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusFailed, gotApp.Status)
}

func (s *WorkerTestSuite) TestProcessJobMissingArtifact() {
	app := s.createApp()
	job := s.enqueueAndClaim(app)

	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		// Build claims success but produced nothing.
		return builder.Result{OK: true, Output: "BUILD SUCCESSFUL"}
	}))
	worker.ProcessJob(s.ctx, job)

	gotJob, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusFailed, gotJob.Status)
	s.Contains(gotJob.Error, "build produced no package")
}

func (s *WorkerTestSuite) TestRunStopsOnShutdown() {
	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		return builder.Result{OK: true}
	}))

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("worker did not stop on shutdown")
	}
}

func (s *WorkerTestSuite) TestRunFatalWhenWorkspaceRootUnusable() {
	blocker := filepath.Join(s.T().TempDir(), "blocker")
	s.Require().NoError(os.WriteFile(blocker, []byte("x"), 0o644))
	s.cfg.WorkspacesRoot = filepath.Join(blocker, "nested")

	worker := s.newWorker(runnerFunc(func(_ context.Context, _ builder.RunSpec) builder.Result {
		return builder.Result{OK: true}
	}))
	s.Error(worker.Run(s.ctx))
}

func TestWorkerService(t *testing.T) {
	suite.Run(t, new(WorkerTestSuite))
}

func TestTruncateTail(t *testing.T) {
	require.Equal(t, "hello", truncateTail("hello", 10))
	require.Equal(t, "world", truncateTail("hello world", 5))
}

func TestShortMessage(t *testing.T) {
	require.Equal(t, "first line", shortMessage(fmt.Errorf("first line\nsecond line")))

	long := fmt.Errorf("%s", string(make([]byte, 1000)))
	require.Len(t, shortMessage(long), 300)
}

func TestDerivePackageName(t *testing.T) {
	require.Equal(t, "com.appforge.app42", derivePackageName(42))
	require.Equal(t, derivePackageName(7), derivePackageName(7))
}

func TestDecodeInlineIcon(t *testing.T) {
	data, ok := decodeInlineIcon("data:image/png;base64,aGVsbG8=")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)

	_, ok = decodeInlineIcon("https://example.com/icon.png")
	require.False(t, ok)

	_, ok = decodeInlineIcon("data:image/png;base64,%%%")
	require.False(t, ok)
}
