package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "llmgate",
	Short: "llmgate - provider resilience gateway",
	Long:  "llmgate sits between workflows and LLM providers, enforcing rate limits and quotas, breaking circuits on failing providers and failing over between them.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "llmgate.yaml", "config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
