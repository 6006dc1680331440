package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var apikeyCost int

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Print the bcrypt hash of an API key for api.keys",
	Long: `Print the bcrypt hash of an API key. A random key is generated when none
is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAPIKeyHash,
}

func init() {
	apikeyHashCmd.Flags().IntVar(&apikeyCost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	apikeyCmd.AddCommand(apikeyHashCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) == 1 {
		key = args[0]
	} else {
		key = generateRandomString(32)
		fmt.Printf("API key:  %s\n", key)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), apikeyCost)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}
	fmt.Printf("key_hash: %s\n", hash)
	return nil
}
