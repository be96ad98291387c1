package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hardik936/llmgate"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running llmgate server",
}

var statusProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show routing state of every provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getStatus(cmd, "/status/providers")
	},
}

var statusLimiterCmd = &cobra.Command{
	Use:   "limiter <provider>",
	Short: "Show the token bucket of a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getStatus(cmd, "/status/limiter/"+url.PathEscape(args[0]))
	},
}

var statusQuotaCmd = &cobra.Command{
	Use:   "quota <kind:id>",
	Short: "Show quota usage of a workflow or tenant scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := llmgate.ParseScope(args[0])
		if err != nil {
			return err
		}
		return getStatus(cmd, "/status/quota/"+string(scope.Kind)+"/"+url.PathEscape(scope.ID))
	},
}

var statusBreakerCmd = &cobra.Command{
	Use:   "breaker <resource>",
	Short: "Show the circuit breaker of a resource (provider:<name> or tool:<name>@<version>)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resource := args[0]
		if !strings.Contains(resource, ":") {
			resource = llmgate.ProviderResource(resource)
		}
		return getStatus(cmd, "/status/breaker/"+url.PathEscape(resource))
	},
}

func init() {
	statusCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "llmgate server URL")
	statusCmd.AddCommand(statusProvidersCmd, statusLimiterCmd, statusQuotaCmd, statusBreakerCmd)
	rootCmd.AddCommand(statusCmd)
}

func getStatus(cmd *cobra.Command, path string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}
