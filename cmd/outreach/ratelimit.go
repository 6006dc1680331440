package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/config"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured rate limits",
	RunE:  runRatelimitShow,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rl := cfg.RateLimit

	fmt.Println("Rate Limiting Configuration")
	fmt.Println("===========================")
	fmt.Printf("Enabled: %v\n", rl.Enabled)
	fmt.Printf("Send throttle: %.1f/s (burst %d)\n\n", cfg.Scheduler.SendRatePerSecond, cfg.Scheduler.SendBurst)

	if !rl.Enabled {
		fmt.Println("Rate limiting is disabled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "-----\t-------------\t------------")
	writeLimitRow(w, "Global", rl.Global)
	writeLimitRow(w, "Per Sender", rl.DefaultSender)
	writeLimitRow(w, "Per Recipient Domain", rl.DefaultRecipientDomain)
	w.Flush()

	fmt.Println("\nRecipient Domain Overrides:")
	if len(rl.RecipientDomains) == 0 {
		fmt.Println("  None configured")
		return nil
	}

	domains := make([]string, 0, len(rl.RecipientDomains))
	for d := range rl.RecipientDomains {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "------\t-------------\t------------")
	for _, d := range domains {
		writeLimitRow(w, d, rl.RecipientDomains[d])
	}
	return w.Flush()
}

func writeLimitRow(w *tabwriter.Writer, level string, v *config.LimitValues) {
	if v == nil {
		fmt.Fprintf(w, "%s\t-\t-\n", level)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%d\n", level, v.MessagesPerHour, v.MessagesPerDay)
}
