package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/playscope/pkg/metrics"
)

var (
	metricsURL    string
	metricsPrefix string
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Scrape and print the server's Prometheus metrics",
	Args:  cobra.NoArgs,
	RunE:  runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsURL, "url", "http://localhost:9090/metrics", "metrics endpoint")
	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "playscope_", "only show metric families with this prefix")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	client, err := GetHTTPClient()
	if err != nil {
		return err
	}
	samples, err := metrics.Scrape(client, metricsURL, metricsPrefix)
	if err != nil {
		return err
	}

	return render(samples, func() {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Metric", "Labels", "Value")
		for _, s := range samples {
			table.Append(s.Name, s.Labels, fmt.Sprintf("%g", s.Value))
		}
		table.Render()
	})
}
