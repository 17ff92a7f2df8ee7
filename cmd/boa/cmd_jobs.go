// Job queue commands and the background worker loop.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"boa/internal/campaign"
	"boa/internal/store"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage background jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

var (
	jobStatusFilter   string
	jobTypeFilter     string
	jobCampaignFilter string
)

func runJobList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	jobs, err := st.ListJobs(cmd.Context(), jobCampaignFilter,
		store.JobStatus(jobStatusFilter), store.JobType(jobTypeFilter), 0, 0)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	for _, j := range jobs {
		progress := "-"
		if j.Progress != nil {
			progress = fmt.Sprintf("%3.0f%%", *j.Progress*100)
		}
		fmt.Printf("%-36s %-9s %-10s %s\n", j.ID, j.Type, j.Status, progress)
	}
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	j, err := st.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(j)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	if err := st.CancelJob(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled job %s\n", args[0])
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	engine := newEngine(st)

	w := campaign.NewWorker(st, engine, campaign.WorkerOptions{
		PollInterval: cfg.Worker.PollInterval,
		StaleJobAge:  cfg.Worker.StaleJobAge,
		Concurrency:  cfg.Worker.Concurrency,
	})
	w.Register(store.JobBenchmark, benchmarkHandler(st, engine))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Expired write locks are swept alongside the job loop.
	go sweepLocks(ctx, st, cfg.Locking.SweepInterval)

	fmt.Println("Worker running. Ctrl-C to stop.")
	return w.Run(ctx)
}

func sweepLocks(ctx context.Context, st *store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = st.SweepExpiredLocks(ctx)
		}
	}
}

func init() {
	jobListCmd.Flags().StringVar(&jobStatusFilter, "status", "", "filter by status")
	jobListCmd.Flags().StringVar(&jobTypeFilter, "type", "", "filter by type")
	jobListCmd.Flags().StringVar(&jobCampaignFilter, "campaign", "", "filter by campaign id")

	jobCmd.AddCommand(jobListCmd, jobShowCmd, jobCancelCmd)
	rootCmd.AddCommand(jobCmd, workerCmd)
}
