package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	dlqLimit  int
	dlqOffset int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Event outbox commands",
}

var eventsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox statistics",
	RunE:  runEventsStats,
}

var eventsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
}

var eventsDLQListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events that exhausted their delivery attempts",
	RunE:  runEventsDLQList,
}

var eventsDLQRetryCmd = &cobra.Command{
	Use:   "retry <event_id>",
	Short: "Requeue a dead event for delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsDLQRetry,
}

var eventsDLQDeleteCmd = &cobra.Command{
	Use:   "delete <event_id>",
	Short: "Delete a dead event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsDLQDelete,
}

func init() {
	eventsDLQListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum number of events to show")
	eventsDLQListCmd.Flags().IntVar(&dlqOffset, "offset", 0, "Number of events to skip")

	eventsDLQCmd.AddCommand(eventsDLQListCmd, eventsDLQRetryCmd, eventsDLQDeleteCmd)
	eventsCmd.AddCommand(eventsStatsCmd, eventsDLQCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runEventsStats(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	stats, err := application.Outbox().OutboxStats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get outbox stats: %w", err)
	}

	fmt.Println("Event Outbox")
	fmt.Println("============")
	fmt.Printf("Pending:     %d\n", stats.Pending)
	fmt.Printf("Dead letter: %d\n", stats.DeadLetter)
	return nil
}

func runEventsDLQList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	list, err := application.Outbox().ListDLQ(context.Background(), dlqLimit, dlqOffset)
	if err != nil {
		return fmt.Errorf("failed to list dead letter queue: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tOWNER\tATTEMPTS\tOCCURRED\tLAST ERROR")
	fmt.Fprintln(w, "--\t-----\t-----\t--------\t--------\t----------")
	for _, ev := range list {
		lastErr := ev.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			ev.ID,
			ev.Name,
			ev.OwnerID,
			ev.Attempts,
			ev.OccurredAt.Format("2006-01-02 15:04:05"),
			lastErr,
		)
	}
	return w.Flush()
}

func runEventsDLQRetry(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Outbox().RetryFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to retry event: %w", err)
	}
	fmt.Printf("Event %s requeued\n", args[0])
	return nil
}

func runEventsDLQDelete(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Outbox().DeleteFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	fmt.Printf("Event %s deleted\n", args[0])
	return nil
}
