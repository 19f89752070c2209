package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/store"
	"github.com/jo-hoe/pixelsmith/internal/tools"
	"github.com/jo-hoe/pixelsmith/internal/util"
)

var (
	// jobs list flags
	listStatus string
	listTool   string
	listLimit  int
	listOffset int

	// jobs cancel flags
	cancelReason string

	// jobs cleanup flags
	cleanupDays int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage generation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs older than a cutoff",
	RunE:  runJobsCleanup,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	jobsListCmd.Flags().StringVar(&listTool, "tool", "", "filter by tool (generate, edit, transform)")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum rows")
	jobsListCmd.Flags().IntVar(&listOffset, "offset", 0, "rows to skip")

	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason stored on the job")

	jobsCleanupCmd.Flags().IntVar(&cleanupDays, "older-than-days", 30, "delete terminal jobs older than this many days")
}

// newLocalManager opens the configured store for direct CLI access. The
// returned manager carries no operations; it only reads and cancels.
func newLocalManager() (*jobs.Manager, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := jobs.NewManager(log, s, tools.NewRegistry(), util.NewJobID)
	return m, func() { _ = s.Close() }, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	if err := requireTableOrJSON(); err != nil {
		return err
	}
	m, closeStore, err := newLocalManager()
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := m.List(store.JobStatus(listStatus), listTool, listLimit, listOffset)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return json.NewEncoder(os.Stdout).Encode(list)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Tool", "Status", "Progress", "Error", "Created")
	for _, job := range list {
		errDisplay := "-"
		if job.ErrorMessage != nil && *job.ErrorMessage != "" {
			errDisplay = truncate(*job.ErrorMessage, 40)
		}
		table.Append(job.ID, job.ToolName, string(job.Status),
			fmt.Sprintf("%d%%", job.Progress), errDisplay,
			job.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d job(s)\n", len(list))
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	if err := requireTableOrJSON(); err != nil {
		return err
	}
	m, closeStore, err := newLocalManager()
	if err != nil {
		return err
	}
	defer closeStore()

	job, err := m.Get(args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return json.NewEncoder(os.Stdout).Encode(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Tool", job.ToolName)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	table.Append("Prompt", truncate(job.Prompt, 60))
	table.Append("Samples", fmt.Sprintf("%d", job.SampleCount))
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	table.Append("Updated At", job.UpdatedAt.Format(time.RFC3339))
	if len(job.OutputPaths) > 0 {
		table.Append("Outputs", strings.Join(job.OutputPaths, ", "))
	}
	if job.HistoryID != nil {
		table.Append("History ID", *job.HistoryID)
	}
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		table.Append("Error", *job.ErrorMessage)
	}
	table.Render()
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	m, closeStore, err := newLocalManager()
	if err != nil {
		return err
	}
	defer closeStore()

	cancelled, err := m.Cancel(args[0], cancelReason)
	if err != nil {
		return err
	}
	if cancelled {
		fmt.Printf("Job %s cancelled\n", args[0])
	} else {
		fmt.Printf("Job %s already terminal, nothing to cancel\n", args[0])
	}
	return nil
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	m, closeStore, err := newLocalManager()
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := m.Cleanup(cleanupDays)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d terminal job(s) older than %d day(s)\n", n, cleanupDays)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
