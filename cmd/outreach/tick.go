package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/classifier"
)

var (
	classifySubject   string
	classifyFirstName string
	classifyCompany   string
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler tick and exit",
	Long: `Process expired webhook waits, due steps and scheduled campaigns once.

Useful when the built-in scheduler is disabled and ticks are driven by cron.`,
	RunE: runTick,
}

var classifyCmd = &cobra.Command{
	Use:   "classify [file]",
	Short: "Classify a reply body read from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().StringVar(&classifySubject, "subject", "", "Reply subject")
	classifyCmd.Flags().StringVar(&classifyFirstName, "first-name", "", "Contact first name used in the draft reply")
	classifyCmd.Flags().StringVar(&classifyCompany, "company", "", "Contact company used in the draft reply")

	rootCmd.AddCommand(tickCmd, classifyCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	result, ran := application.Tick(context.Background())
	if !ran {
		return fmt.Errorf("another tick is already running")
	}

	fmt.Printf("Webhook waits resumed: %d\n", result.Resumed)
	fmt.Printf("Steps processed:       %d\n", result.Processed)
	fmt.Printf("Campaigns started:     %d\n", result.Started)
	if result.Errors > 0 {
		return fmt.Errorf("tick finished with %d errors", result.Errors)
	}
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}

	body, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" && classifySubject == "" {
		return fmt.Errorf("reply is empty")
	}

	var contact *classifier.Contact
	if classifyFirstName != "" || classifyCompany != "" {
		contact = &classifier.Contact{FirstName: classifyFirstName, Company: classifyCompany}
	}

	result := classifier.Classify(classifySubject, string(body), contact)
	fmt.Printf("Intent:     %s\n", result.Intent)
	fmt.Printf("Confidence: %.2f\n", result.Confidence)
	fmt.Printf("Action:     %s\n", result.Action)
	fmt.Printf("Reasoning:  %s\n", result.Reasoning)
	if result.DraftReply != nil {
		fmt.Printf("\nDraft reply:\n%s\n", *result.DraftReply)
	}
	return nil
}
