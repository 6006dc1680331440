package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sendersOwner string

var sendersCmd = &cobra.Command{
	Use:   "senders",
	Short: "Sender account commands",
}

var sendersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sender accounts of an owner with their health",
	RunE:  runSendersList,
}

var sendersResetDailyCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Reset today's send counters of every sender",
	RunE:  runSendersResetDaily,
}

var sendersRecalcCmd = &cobra.Command{
	Use:   "recalc-bounce",
	Short: "Recalculate bounce rates and health scores",
	RunE:  runSendersRecalc,
}

func init() {
	sendersListCmd.Flags().StringVar(&sendersOwner, "owner", "", "Owner ID (required)")
	sendersListCmd.MarkFlagRequired("owner")

	sendersCmd.AddCommand(sendersListCmd, sendersResetDailyCmd, sendersRecalcCmd)
	rootCmd.AddCommand(sendersCmd)
}

func runSendersList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	accounts, err := application.Store().Senders.ListByOwner(context.Background(), sendersOwner)
	if err != nil {
		return fmt.Errorf("failed to list sender accounts: %w", err)
	}
	if len(accounts) == 0 {
		fmt.Println("No sender accounts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tACTIVE\tHEALTH\tTODAY\tLIMIT\tBOUNCE 7D")
	fmt.Fprintln(w, "--\t-----\t------\t------\t-----\t-----\t---------")
	for _, a := range accounts {
		limit := fmt.Sprintf("%d", a.DailySendLimit)
		if a.WarmupMode {
			limit = fmt.Sprintf("%d (warmup)", a.WarmupDailyTarget)
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%.0f\t%d\t%s\t%.1f%%\n",
			a.ID,
			a.Email,
			a.IsActive,
			a.HealthScore,
			a.SendsToday,
			limit,
			a.BounceRate7d,
		)
	}
	return w.Flush()
}

func runSendersResetDaily(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	n, err := application.Registry().ResetDailySendCounts(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Reset daily counters of %d sender accounts\n", n)
	return nil
}

func runSendersRecalc(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	window := application.Config().Scheduler.BounceWindow
	n, err := application.Registry().RecalculateBounceRates(context.Background(), window)
	if err != nil {
		return err
	}
	fmt.Printf("Recalculated bounce rates of %d sender accounts\n", n)
	return nil
}
