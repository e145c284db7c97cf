package main

import (
	"fmt"

	"github.com/cuemby/hpcagent/pkg/config"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration hpcagent run would use, after merging the
config file, HPCAGENT_* environment variables and flags. The cluster
authentication key is redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.YAML()
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

// loadConfig loads the configuration, mapping failures to the
// configuration exit code.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, withExitCode(types.ConfigurationFileExitCode, err)
	}
	return cfg, nil
}

// bindFlags exposes the most used keys as flags on cmd
func bindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("node-name", "", "Node name reported to the scheduler (default: hostname)")
	flags.String("listen-address", ":40000", "Address for the node API")
	flags.String("data-dir", "/var/lib/hpcagent", "Directory for marker files and task scratch space")
	flags.Bool("debug", false, "Answer GET requests with a status document")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")

	_ = v.BindPFlag("node_name", flags.Lookup("node-name"))
	_ = v.BindPFlag("listen_address", flags.Lookup("listen-address"))
	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("debug", flags.Lookup("debug"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.json", flags.Lookup("log-json"))
}

func init() {
	bindFlags(runCmd)
}
