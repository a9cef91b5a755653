package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hostsync",
	Short: "hostsync - background job and terminal sync daemon",
	Long: `hostsync keeps a local mirror of the remote jobs and terminal sessions
of a paired device and exposes them to UI clients over a local HTTP bridge.`,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.hostsync/config.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
