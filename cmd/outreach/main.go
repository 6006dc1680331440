package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/app"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/db"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Outreach - cold email sequence engine",
	Long:  `Outreach runs multi-step email campaigns across a pool of sender accounts and reacts to replies, bounces and webhooks.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the outreach server",
	Long:  `Start the scheduler, the HTTP API and the inbound reply listener.`,
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("outreach version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application without starting any background component
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}

	return application.Run(context.Background())
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	fmt.Println("Migrations completed successfully")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Hostname:  %s\n", cfg.Server.Hostname)
	fmt.Printf("  Database:  %s\n", cfg.Database.Path)
	fmt.Printf("  State:     %s\n", cfg.State.Path)
	if cfg.API.Enabled {
		fmt.Printf("  API:       %s (%d keys)\n", cfg.API.ListenAddr, len(cfg.API.Keys))
	}
	if cfg.Inbound.Enabled {
		fmt.Printf("  Inbound:   %s\n", cfg.Inbound.ListenAddr)
	}
	fmt.Printf("  Scheduler: %v (every %s)\n", cfg.Scheduler.Enabled, cfg.Scheduler.Interval)
	fmt.Printf("  Tracking:  %v\n", cfg.TrackingEnabled())
	if cfg.Events.Enabled {
		fmt.Printf("  Events:    %d webhooks, amqp %v\n", len(cfg.Events.Webhooks), cfg.Events.AMQP.Enabled)
	}
	if cfg.API.Enabled && len(cfg.API.Keys) == 0 {
		fmt.Println("Warning: no API keys configured, every API request will be rejected")
	}

	return nil
}
