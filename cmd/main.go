package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}

// rootOptions carries the persistent flags every subcommand reads.
type rootOptions struct {
	configFile string
	envPrefix  string
}

// Execute runs the CLI with the given arguments and IO writers and returns
// the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "offlinecache",
		Short:         "Offline-first caching proxy with versioned cache generations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to configuration file (yaml, json, or toml)")
	cmd.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", "OFFLINECACHE", "environment variable prefix")

	cmd.AddCommand(newServeCmd(stdout, opts))
	cmd.AddCommand(newQueueCmd(stdout, opts))
	return cmd
}
