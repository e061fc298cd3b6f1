package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiToken     string
	caFile       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "playscope",
	Short: "CLI for the playscope server",
	Long: `playscope submits and inspects background corpus jobs and queries the
similarity index of a running playscoped server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("invalid --output %q: want table, json or yaml", outputFormat)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.playscope/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca-file", "", "CA certificate for verifying a TLS server")
}

// initConfig reads the config file and environment, filling flags that were not set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".playscope"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PLAYSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("client.server_url", "PLAYSCOPE_SERVER_URL")
	viper.BindEnv("server.api_token", "PLAYSCOPE_API_TOKEN", "PLAYSCOPE_SERVER_API_TOKEN")

	// A missing config file is fine
	_ = viper.ReadInConfig()

	if serverURL == "" {
		serverURL = viper.GetString("client.server_url")
	}
	if apiToken == "" {
		apiToken = viper.GetString("server.api_token")
	}
	if caFile == "" {
		caFile = viper.GetString("client.ca_file")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIToken returns the configured token
func GetAPIToken() string {
	return apiToken
}
