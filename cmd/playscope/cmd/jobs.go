package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/models"
)

var (
	followStatus bool
	followEvery  time.Duration

	listStatus  string
	listCommand string
	listLimit   int
	listOffset  int

	pruneDays int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
	Long:  `Commands for submitting, inspecting and pruning background jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <command>",
	Short: "Submit a registered command as a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Get job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete jobs older than --days",
	Args:  cobra.NoArgs,
	RunE:  runJobsPrune,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	Args:  cobra.NoArgs,
	RunE:  runJobsStats,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsStatusCmd, jobsListCmd, jobsDeleteCmd, jobsPruneCmd, jobsStatsCmd)

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status until it completes or fails")
	jobsStatusCmd.Flags().DurationVar(&followEvery, "interval", 2*time.Second, "poll interval for --follow")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, running, completed, failed)")
	jobsListCmd.Flags().StringVar(&listCommand, "command", "", "filter by command")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", jobs.DefaultListLimit, "maximum number of jobs")
	jobsListCmd.Flags().IntVar(&listOffset, "offset", 0, "number of jobs to skip")

	jobsPruneCmd.Flags().IntVar(&pruneDays, "days", 0, "delete jobs created more than this many days ago")
	jobsPruneCmd.MarkFlagRequired("days")
}

type submitResponse struct {
	JobID  string `json:"job_id" yaml:"job_id"`
	Status string `json:"status" yaml:"status"`
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	var result submitResponse
	if err := doJSON(http.MethodPost, "/api/v1/jobs", map[string]string{"command": args[0]}, http.StatusAccepted, &result); err != nil {
		return err
	}

	return render(result, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Job ID", result.JobID)
		table.Append("Command", args[0])
		table.Append("Status", result.Status)
		table.Render()
		fmt.Printf("\nJob submitted. Follow it with: playscope jobs status %s --follow\n", result.JobID)
	})
}

func fetchJob(id string) (*models.Job, error) {
	var job models.Job
	if err := doJSON(http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if !followStatus {
		job, err := fetchJob(jobID)
		if err != nil {
			return err
		}
		return displayJob(job)
	}

	fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
	for {
		job, err := fetchJob(jobID)
		if err != nil {
			return err
		}

		if outputFormat == "table" {
			fmt.Print("\033[H\033[2J")
		}
		if err := displayJob(job); err != nil {
			return err
		}

		if models.IsTerminalState(job.Status) {
			fmt.Printf("\nJob %s\n", job.Status)
			if job.Status == models.JobStatusFailed {
				return fmt.Errorf("job failed: %s", job.Error)
			}
			return nil
		}
		time.Sleep(followEvery)
	}
}

func displayJob(job *models.Job) error {
	return render(job, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")

		table.Append("Job ID", job.ID)
		table.Append("Command", job.Command)
		table.Append("Status", string(job.Status))
		table.Append("Progress", formatProgress(job.Progress))
		table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			table.Append("Started At", job.StartedAt.Format(time.RFC3339))
		}
		if job.CompletedAt != nil {
			table.Append("Completed At", job.CompletedAt.Format(time.RFC3339))
			table.Append("Duration", job.Duration().Round(time.Millisecond).String())
		}
		if len(job.Result) > 0 {
			table.Append("Result", string(job.Result))
		}
		if job.Error != "" {
			table.Append("Error", job.Error)
		}

		table.Render()
	})
}

func formatProgress(p *models.Progress) string {
	if p == nil {
		return "-"
	}
	s := fmt.Sprintf("%d/%d", p.Current, p.Total)
	if p.Total > 0 {
		s = fmt.Sprintf("%s (%d%%)", s, p.Current*100/p.Total)
	}
	if p.Message != "" {
		s += " " + p.Message
	}
	return s
}

func runJobsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if listStatus != "" {
		q.Set("status", listStatus)
	}
	if listCommand != "" {
		q.Set("command", listCommand)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	if listOffset > 0 {
		q.Set("offset", strconv.Itoa(listOffset))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result jobs.ListResult
	if err := doJSON(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
		return err
	}

	return render(result, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Job ID", "Command", "Status", "Progress", "Error", "Created")

		for _, job := range result.Jobs {
			errDisplay := "-"
			if job.Error != "" {
				errDisplay = truncate(job.Error, 40)
			}
			table.Append(
				job.ID,
				job.Command,
				string(job.Status),
				formatProgress(job.Progress),
				errDisplay,
				job.CreatedAt.Local().Format("2006-01-02 15:04"),
			)
		}

		table.Render()
		fmt.Printf("\nShowing %d of %d jobs (%d pending, %d running, %d completed, %d failed)\n",
			result.Count, result.Stats.Total, result.Stats.Pending, result.Stats.Running,
			result.Stats.Completed, result.Stats.Failed)
	})
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	if err := doJSON(http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	if IsJSONOutput() {
		fmt.Printf("{\"deleted\": %q}\n", args[0])
		return nil
	}
	fmt.Printf("Job %s deleted\n", args[0])
	return nil
}

func runJobsPrune(cmd *cobra.Command, args []string) error {
	if pruneDays < 0 {
		return fmt.Errorf("--days must be non-negative")
	}
	var result struct {
		Deleted int64 `json:"deleted"`
	}
	if err := doJSON(http.MethodPost, "/api/v1/jobs/prune", map[string]int{"days": pruneDays}, http.StatusOK, &result); err != nil {
		return err
	}
	return render(result, func() {
		fmt.Printf("Deleted %d jobs older than %d days\n", result.Deleted, pruneDays)
	})
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	var stats models.Stats
	if err := doJSON(http.MethodGet, "/api/v1/jobs/stats", nil, http.StatusOK, &stats); err != nil {
		return err
	}
	return render(stats, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Status", "Count")
		table.Append("pending", strconv.Itoa(stats.Pending))
		table.Append("running", strconv.Itoa(stats.Running))
		table.Append("completed", strconv.Itoa(stats.Completed))
		table.Append("failed", strconv.Itoa(stats.Failed))
		table.Append("total", strconv.Itoa(stats.Total))
		table.Render()
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
