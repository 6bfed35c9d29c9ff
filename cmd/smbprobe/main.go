package main

import (
	"fmt"
	"os"

	"github.com/danmuck/smbwire/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	logging.ConfigureRuntime()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "smbprobe",
		Short: "Negotiate with and probe an SMB server",
		Long: `smbprobe opens one transport connection to an SMB server, negotiates a
dialect and reports what the server offered. It can also run echo
round trips and serve a diagnostics endpoint for the live connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(cmd)
	cmd.AddCommand(
		negotiateCmd(opts),
		echoCmd(opts),
		serveCmd(opts),
	)
	return cmd
}
