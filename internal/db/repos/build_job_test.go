package repos

import (
	"sync"
	"time"

	"github.com/appforge/appforge/internal/db/models"
)

const (
	testLeaseTTL    = 30 * time.Minute
	testMaxAttempts = 3
)

func (s *DBRepositoryTestSuite) TestCreateAndGetByID() {
	app := s.createTestApp()
	job := s.createTestJob(app.ID)

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(job.ID, got.ID)
	s.Equal(app.ID, got.AppID)
	s.Equal(models.BuildJobStatusQueued, got.Status)
	s.Equal(0, got.Attempts)
	s.Empty(got.LockToken)
	s.Nil(got.LockedAt)
}

func (s *DBRepositoryTestSuite) TestGetByIDNotFound() {
	_, err := s.jobRepo.GetByID(s.ctx, 12345)
	s.Error(err)
}

func (s *DBRepositoryTestSuite) TestGetActiveForApp() {
	app := s.createTestApp()

	active, err := s.jobRepo.GetActiveForApp(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Nil(active)

	job := s.createTestJob(app.ID)
	active, err = s.jobRepo.GetActiveForApp(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Require().NotNil(active)
	s.Equal(job.ID, active.ID)

	// Terminal jobs are no longer active.
	s.Require().NoError(s.jobRepo.Complete(s.ctx, job.ID, models.BuildJobStatusFailed, "boom"))
	active, err = s.jobRepo.GetActiveForApp(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Nil(active)
}

func (s *DBRepositoryTestSuite) TestClaimNextEmptyQueue() {
	job, err := s.jobRepo.ClaimNext(s.ctx, "w1:t", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Nil(job)
}

func (s *DBRepositoryTestSuite) TestClaimNextSetsLease() {
	app := s.createTestApp()
	created := s.createTestJob(app.ID)

	claimed, err := s.jobRepo.ClaimNext(s.ctx, "w1:token", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.Equal(created.ID, claimed.ID)
	s.Equal(models.BuildJobStatusRunning, claimed.Status)
	s.Equal(1, claimed.Attempts)
	s.Equal("w1:token", claimed.LockToken)
	s.Require().NotNil(claimed.LockedAt)
	s.WithinDuration(time.Now().UTC(), *claimed.LockedAt, time.Minute)
}

func (s *DBRepositoryTestSuite) TestClaimNextOldestFirst() {
	app := s.createTestApp()
	older := s.createTestJob(app.ID)
	newer := s.createTestJob(app.ID)
	s.backdateCreatedAt(older.ID, time.Now().UTC().Add(-time.Hour))

	claimed, err := s.jobRepo.ClaimNext(s.ctx, "w1:t", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.Equal(older.ID, claimed.ID)
	s.NotEqual(newer.ID, claimed.ID)
}

func (s *DBRepositoryTestSuite) TestClaimNextRaceHasOneWinner() {
	app := s.createTestApp()
	s.createTestJob(app.ID)

	const claimers = 8
	results := make([]*models.BuildJob, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := s.jobRepo.ClaimNext(s.ctx, "worker:"+string(rune('a'+n)), testLeaseTTL, testMaxAttempts)
			s.NoError(err)
			results[n] = job
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, job := range results {
		if job != nil {
			winners++
		}
	}
	s.Equal(1, winners, "exactly one claimer must win the race")
}

func (s *DBRepositoryTestSuite) TestClaimNextReclaimsExpiredLease() {
	app := s.createTestApp()
	job := s.createTestJob(app.ID)

	first, err := s.jobRepo.ClaimNext(s.ctx, "w1:t1", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	// A live lease is not reclaimable.
	blocked, err := s.jobRepo.ClaimNext(s.ctx, "w2:t2", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Nil(blocked)

	// Once the lease ages past the TTL the job is claimable again, and the
	// reclaim increments attempts by exactly one.
	s.backdateLockedAt(job.ID, time.Now().UTC().Add(-testLeaseTTL-time.Minute))
	reclaimed, err := s.jobRepo.ClaimNext(s.ctx, "w2:t2", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(reclaimed)
	s.Equal(job.ID, reclaimed.ID)
	s.Equal(2, reclaimed.Attempts)
	s.Equal("w2:t2", reclaimed.LockToken)
}

func (s *DBRepositoryTestSuite) TestReclaimKeepsOriginalPriority() {
	app := s.createTestApp()
	stale := s.createTestJob(app.ID)
	s.backdateCreatedAt(stale.ID, time.Now().UTC().Add(-2*time.Hour))

	claimed, err := s.jobRepo.ClaimNext(s.ctx, "w1:t1", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.backdateLockedAt(stale.ID, time.Now().UTC().Add(-testLeaseTTL-time.Minute))

	// A newer queued job exists, but the stale job keeps its original
	// creation time and therefore its original relative priority.
	s.createTestJob(app.ID)

	reclaimed, err := s.jobRepo.ClaimNext(s.ctx, "w2:t2", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(reclaimed)
	s.Equal(stale.ID, reclaimed.ID)
}

func (s *DBRepositoryTestSuite) TestClaimNextSkipsExhaustedJobs() {
	app := s.createTestApp()
	job := s.createTestJob(app.ID)

	var claimed *models.BuildJob
	var err error
	for i := 0; i < testMaxAttempts; i++ {
		claimed, err = s.jobRepo.ClaimNext(s.ctx, "w1:t", testLeaseTTL, testMaxAttempts)
		s.Require().NoError(err)
		s.Require().NotNil(claimed)
		s.backdateLockedAt(job.ID, time.Now().UTC().Add(-testLeaseTTL-time.Minute))
	}
	s.Equal(testMaxAttempts, claimed.Attempts)

	// Attempts have reached the bound: not claimable regardless of lease age.
	blocked, err := s.jobRepo.ClaimNext(s.ctx, "w2:t", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Nil(blocked)
}

func (s *DBRepositoryTestSuite) TestCompleteClearsLock() {
	app := s.createTestApp()
	s.createTestJob(app.ID)

	claimed, err := s.jobRepo.ClaimNext(s.ctx, "w1:t", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)

	s.Require().NoError(s.jobRepo.Complete(s.ctx, claimed.ID, models.BuildJobStatusSucceeded, ""))

	got, err := s.jobRepo.GetByID(s.ctx, claimed.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusSucceeded, got.Status)
	s.Empty(got.LockToken)
	s.Nil(got.LockedAt)

	// Repeat calls are harmless no-ops in effect.
	s.Require().NoError(s.jobRepo.Complete(s.ctx, claimed.ID, models.BuildJobStatusSucceeded, ""))
}

func (s *DBRepositoryTestSuite) TestCompleteRejectsNonTerminalStatus() {
	app := s.createTestApp()
	job := s.createTestJob(app.ID)
	s.Error(s.jobRepo.Complete(s.ctx, job.ID, models.BuildJobStatusRunning, ""))
}

func (s *DBRepositoryTestSuite) TestRequeue() {
	app := s.createTestApp()
	job := s.createTestJob(app.ID)

	for i := 0; i < testMaxAttempts; i++ {
		claimed, err := s.jobRepo.ClaimNext(s.ctx, "w1:t", testLeaseTTL, testMaxAttempts)
		s.Require().NoError(err)
		s.Require().NotNil(claimed)
		s.backdateLockedAt(job.ID, time.Now().UTC().Add(-testLeaseTTL-time.Minute))
	}

	s.Require().NoError(s.jobRepo.Requeue(s.ctx, job.ID))

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(models.BuildJobStatusQueued, got.Status)
	s.Equal(0, got.Attempts)
	s.Empty(got.LockToken)
	s.Nil(got.LockedAt)
	s.Empty(got.Error)

	// Requeued jobs are claimable again.
	claimed, err := s.jobRepo.ClaimNext(s.ctx, "w2:t", testLeaseTTL, testMaxAttempts)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.Equal(job.ID, claimed.ID)
}

func (s *DBRepositoryTestSuite) TestRequeueNotFound() {
	s.Error(s.jobRepo.Requeue(s.ctx, 99999))
}

func (s *DBRepositoryTestSuite) TestListFiltersByStatus() {
	app := s.createTestApp()
	queued := s.createTestJob(app.ID)
	failed := s.createTestJob(app.ID)
	s.Require().NoError(s.jobRepo.Complete(s.ctx, failed.ID, models.BuildJobStatusFailed, "boom"))

	jobs, err := s.jobRepo.List(s.ctx, models.BuildJobStatusQueued, &models.ListOptions{Limit: 10})
	s.Require().NoError(err)
	s.Require().Len(jobs, 1)
	s.Equal(queued.ID, jobs[0].ID)

	all, err := s.jobRepo.List(s.ctx, models.BuildJobStatusUnknown, &models.ListOptions{Limit: 10})
	s.Require().NoError(err)
	s.Len(all, 2)
}
