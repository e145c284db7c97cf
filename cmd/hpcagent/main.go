package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/hpcagent/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// v holds flags, environment and file settings for every subcommand
var v = config.New()

// exitError carries the process exit code for a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hpcagent",
	Short: "hpcagent - compute node agent for HPC clusters",
	Long: `hpcagent runs on every compute node of an HPC cluster. It starts and
ends task processes on behalf of the head node scheduler, reports their
completion, and pushes node and metric reports back to the cluster.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hpcagent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Config file (default: hpcagent.yaml in /etc/hpcagent, $HOME/.config/hpcagent or .)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hpcagent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
