package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/db/models"
	"github.com/appforge/appforge/internal/db/repos"
	"github.com/appforge/appforge/internal/services"
)

// jobOutput is the filtered output for a job
type jobOutput struct {
	ID       uint   `json:"id"`
	AppID    uint   `json:"app_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func init() {
	enqueueCmd.Flags().Uint("app-id", 0, "App to build")
	enqueueCmd.Flags().Uint("owner-id", 0, "Owner of the app")
	_ = enqueueCmd.MarkFlagRequired("app-id")
	_ = enqueueCmd.MarkFlagRequired("owner-id")

	requeueCmd.Flags().Uint("job-id", 0, "Job to reset to queued")
	_ = requeueCmd.MarkFlagRequired("job-id")

	jobsCmd.AddCommand(listJobsCmd)
	jobsCmd.AddCommand(getJobCmd)

	listJobsCmd.Flags().IntP("limit", "l", models.DefaultLimit, "Limit the number of jobs returned")
	listJobsCmd.Flags().StringP("status", "s", "", "Filter jobs by status")

	getJobCmd.Flags().UintP("id", "i", 0, "Job ID to fetch")
	_ = getJobCmd.MarkFlagRequired("id")
}

// newQueue builds a queue service from the environment for the admin commands.
func newQueue(jobRepo *repos.BuildJobRepository) (*services.Queue, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return services.NewQueue(jobRepo, cfg.LeaseTTL, cfg.MaxAttempts), nil
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a build job for an app",
	RunE: func(cmd *cobra.Command, _ []string) error {
		appID, _ := cmd.Flags().GetUint("app-id")
		ownerID, _ := cmd.Flags().GetUint("owner-id")

		database, err := openDB()
		if err != nil {
			return err
		}
		queue, err := newQueue(repos.NewBuildJobRepository(database))
		if err != nil {
			return err
		}

		job, err := queue.Enqueue(cmd.Context(), ownerID, appID)
		if err != nil {
			return fmt.Errorf("error enqueueing build: %w", err)
		}
		return printJSON(jobOutput{
			ID:       job.ID,
			AppID:    job.AppID,
			Status:   job.Status.String(),
			Attempts: job.Attempts,
		})
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Reset a job to queued for manual recovery",
	RunE: func(cmd *cobra.Command, _ []string) error {
		jobID, _ := cmd.Flags().GetUint("job-id")

		database, err := openDB()
		if err != nil {
			return err
		}
		queue, err := newQueue(repos.NewBuildJobRepository(database))
		if err != nil {
			return err
		}

		if err := queue.Requeue(cmd.Context(), jobID); err != nil {
			return fmt.Errorf("error requeueing job: %w", err)
		}
		fmt.Printf("job %d requeued\n", jobID)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect build jobs",
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List build jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		jobStatus := models.BuildJobStatusUnknown
		if status != "" {
			parsed, err := models.ParseBuildJobStatus(status)
			if err != nil {
				return err
			}
			jobStatus = parsed
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		jobRepo := repos.NewBuildJobRepository(database)

		jobs, err := jobRepo.List(cmd.Context(), jobStatus, &models.ListOptions{Limit: limit})
		if err != nil {
			return fmt.Errorf("error fetching jobs: %w", err)
		}

		output := make([]jobOutput, len(jobs))
		for i, job := range jobs {
			output[i] = jobOutput{
				ID:       job.ID,
				AppID:    job.AppID,
				Status:   job.Status.String(),
				Attempts: job.Attempts,
				Error:    job.Error,
			}
		}
		return printJSON(map[string]interface{}{"jobs": output})
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get",
	Short: "Get a build job by ID",
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetUint("id")

		database, err := openDB()
		if err != nil {
			return err
		}
		jobRepo := repos.NewBuildJobRepository(database)

		job, err := jobRepo.GetByID(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("error fetching job: %w", err)
		}
		return printJSON(job)
	},
}

func printJSON(v interface{}) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	fmt.Println(string(prettyJSON))
	return nil
}
