package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flaviompe/courierd/internal/config"
	"github.com/flaviompe/courierd/internal/queue"
)

// The queue subcommands operate directly on the sqlite job journal, so
// they work offline while the server is stopped. Running them against a
// live server's journal is unsupported.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the job journal",
}

func init() {
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued jobs",
		RunE:  withJournal(listJobs),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE:  withJournal(showStats),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "retry-all",
		Short: "Requeue every failed job",
		RunE:  withJournal(retryAllFailed),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Remove all terminal jobs",
		RunE:  withJournal(flushTerminal),
	})
}

func withJournal(fn func(*queue.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.Queue.Storage != "sqlite" {
			return fmt.Errorf("queue commands require sqlite queue storage (configured: %s)", cfg.Queue.Storage)
		}

		storage, err := queue.NewSQLiteStorage(cfg.Queue.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open job journal: %w", err)
		}

		m := queue.NewManager(storage, queue.DefaultConfig())
		defer m.Close()

		return fn(m)
	}
}

func listJobs(m *queue.Manager) error {
	jobs, total, err := m.List(queue.ListFilter{})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tATTEMPTS\tRECIPIENT\tCAMPAIGN\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			job.ID, job.Status, job.Priority,
			job.Attempts, job.MaxAttempts,
			job.Recipient, job.CampaignID,
			job.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()

	fmt.Printf("\n%d jobs\n", total)
	return nil
}

func showStats(m *queue.Manager) error {
	stats := m.GetStats()

	fmt.Printf("Total jobs: %d\n\n", stats.Total)

	fmt.Println("By status:")
	for _, status := range []queue.Status{
		queue.StatusPending, queue.StatusProcessing, queue.StatusRetrying,
		queue.StatusSent, queue.StatusFailed,
	} {
		if n := stats.ByStatus[status]; n > 0 {
			fmt.Printf("  %-12s %d\n", status, n)
		}
	}

	fmt.Println("By priority:")
	for _, p := range []queue.Priority{
		queue.PriorityUrgent, queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow,
	} {
		if n := stats.ByPriority[p]; n > 0 {
			fmt.Printf("  %-12s %d\n", p, n)
		}
	}
	return nil
}

func retryAllFailed(m *queue.Manager) error {
	n := m.RetryAllFailed()
	fmt.Printf("%d failed jobs requeued\n", n)
	return nil
}

func flushTerminal(m *queue.Manager) error {
	sent := m.Clear(queue.ClearFilter{Status: queue.StatusSent})
	failed := m.Clear(queue.ClearFilter{Status: queue.StatusFailed})
	fmt.Printf("%d jobs removed (%d sent, %d failed)\n", sent+failed, sent, failed)
	return nil
}
