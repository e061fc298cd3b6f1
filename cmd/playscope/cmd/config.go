package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/playscope/internal/config"
	"github.com/psantana5/playscope/pkg/logging"
)

var (
	configForce     bool
	logrotateTarget string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for creating and inspecting the shared client and server configuration file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective server configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the server logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(logging.GenerateLogrotateConfig(logrotateTarget))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd, configLogrotateCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configLogrotateCmd.Flags().StringVar(&logrotateTarget, "component", "playscoped", "log component name")
}

// clientConfig is the CLI's own section of the shared file
type clientConfig struct {
	ServerURL string `yaml:"server_url" json:"server_url"`
	CAFile    string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
}

type fileConfig struct {
	config.Config `yaml:",inline"`
	Client        clientConfig `yaml:"client" json:"client"`
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultPath()
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}

	cfg, err := config.Load(config.NewViper(), path, "")
	if err != nil {
		return err
	}

	source := path
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(os.Stderr, "# source: %s\n", source)

	doc := fileConfig{
		Config: *cfg.Redacted(),
		Client: clientConfig{ServerURL: GetServerURL(), CAFile: caFile},
	}
	if IsJSONOutput() {
		return render(doc, nil)
	}

	// Encoded directly so durations keep their "24h0m0s" form
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return encoder.Close()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	doc := fileConfig{
		Config: *config.Default(),
		Client: clientConfig{ServerURL: "http://localhost:8080"},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may later hold the API token and model key
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}
