package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var tokenTTLHours int

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <subject>",
	Short: "Issue a scoped API token (requires the server's admin token)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenCreate,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCreateCmd.Flags().IntVar(&tokenTTLHours, "ttl-hours", 24, "token lifetime in hours")
}

type tokenResponse struct {
	Token     string    `json:"token" yaml:"token"`
	Subject   string    `json:"subject" yaml:"subject"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

func runTokenCreate(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{"subject": args[0], "ttl_hours": tokenTTLHours}
	var result tokenResponse
	if err := doJSON(http.MethodPost, "/api/v1/tokens", req, http.StatusCreated, &result); err != nil {
		return err
	}

	return render(result, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		table.Append("Subject", result.Subject)
		table.Append("Token", result.Token)
		table.Append("Expires", result.ExpiresAt.Local().Format(time.RFC3339))
		table.Render()
		fmt.Println("\nThe token is shown once. Tokens live in server memory and do not survive a restart.")
	})
}
