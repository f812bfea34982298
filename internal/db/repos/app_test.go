package repos

import (
	"github.com/appforge/appforge/internal/db/models"
)

func (s *DBRepositoryTestSuite) TestMarkProcessingClearsPriorBuildState() {
	app := s.createTestApp()
	s.Require().NoError(s.appRepo.MarkFailed(s.ctx, app.ID, "old failure", "old logs"))

	s.Require().NoError(s.appRepo.MarkProcessing(s.ctx, app.ID, "com.appforge.app1", 4))

	got, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusProcessing, got.Status)
	s.Equal("com.appforge.app1", got.PackageName)
	s.Equal(4, got.VersionCode)
	s.Empty(got.BuildError)
	s.Empty(got.BuildLogs)
}

func (s *DBRepositoryTestSuite) TestMarkLiveRecordsArtifact() {
	app := s.createTestApp()
	s.Require().NoError(s.appRepo.MarkProcessing(s.ctx, app.ID, "com.appforge.app1", 1))

	artifact := CommittedArtifact{
		Path: "/artifacts/app-1/app-release-job7.apk",
		Mime: "application/vnd.android.package-archive",
		Size: 1024,
	}
	s.Require().NoError(s.appRepo.MarkLive(s.ctx, app.ID, artifact, "BUILD SUCCESSFUL"))

	got, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusLive, got.Status)
	s.Equal(artifact.Path, got.ArtifactPath)
	s.Equal(artifact.Mime, got.ArtifactMime)
	s.Equal(artifact.Size, got.ArtifactSize)
	s.Equal("BUILD SUCCESSFUL", got.BuildLogs)
	s.Empty(got.BuildError)
	s.NotNil(got.LastBuildAt)
}

func (s *DBRepositoryTestSuite) TestMarkFailedLeavesArtifactAlone() {
	app := s.createTestApp()
	artifact := CommittedArtifact{Path: "/artifacts/app-1/app-release-job1.apk", Mime: "application/vnd.android.package-archive", Size: 42}
	s.Require().NoError(s.appRepo.MarkLive(s.ctx, app.ID, artifact, "ok"))

	s.Require().NoError(s.appRepo.MarkFailed(s.ctx, app.ID, "gradle exploded", "log tail"))

	got, err := s.appRepo.GetByID(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.AppStatusFailed, got.Status)
	s.Equal("gradle exploded", got.BuildError)
	s.Equal("log tail", got.BuildLogs)
	// A previously committed artifact stays pointed at.
	s.Equal(artifact.Path, got.ArtifactPath)
	s.Equal(artifact.Size, got.ArtifactSize)
}
