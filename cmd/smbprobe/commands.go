package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/smbwire/internal/auth"
	"github.com/danmuck/smbwire/internal/client"
	"github.com/danmuck/smbwire/internal/config"
	"github.com/danmuck/smbwire/internal/diagnostics"
	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func negotiateCmd(opts *probeOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "negotiate",
		Short: "Negotiate a dialect and print the server's offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			c, neg, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			printNegotiated(cmd.OutOrStdout(), cfg.Addr, neg, c.Credits())
			return nil
		},
	}
}

func echoCmd(opts *probeOptions) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Send echo requests and print round trip times",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			c, neg, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			out := cmd.OutOrStdout()
			for i := 1; i <= count; i++ {
				if i > 1 && interval > 0 {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case <-time.After(interval):
					}
				}
				start := time.Now()
				if err := c.Echo(cmd.Context()); err != nil {
					return fmt.Errorf("echo %d: %w", i, err)
				}
				fmt.Fprintf(out, "echo %d from %s (%s): rtt=%s\n", i, cfg.Addr, neg.Dialect, time.Since(start).Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of echo requests")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "wait between requests")
	return cmd
}

func serveCmd(opts *probeOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold a negotiated connection and serve diagnostics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.DiagnosticsAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, neg, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			printNegotiated(cmd.OutOrStdout(), cfg.Addr, neg, c.Credits())
			srv := diagnostics.Appear("smbprobe", cfg.DiagnosticsAddr, cfg.CorsOrigins, c)
			if cfg.AdminToken != "" {
				srv.RequireToken(auth.StaticToken{Token: cfg.AdminToken})
			}
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "diagnostics listen address")
	return cmd
}

func printNegotiated(w io.Writer, addr string, neg client.Negotiated, credits uint32) {
	fmt.Fprintf(w, "server:        %s\n", addr)
	fmt.Fprintf(w, "dialect:       %s\n", neg.Dialect)
	fmt.Fprintf(w, "signing:       required=%t\n", neg.SigningRequired)
	if neg.Dialect == protocol.DialectSMB1 {
		fmt.Fprintf(w, "max mpx:       %d\n", neg.MaxMpxCount)
		fmt.Fprintf(w, "max buffer:    %d\n", neg.MaxBufferSize)
		return
	}
	fmt.Fprintf(w, "server guid:   %s\n", uuid.UUID(neg.ServerGUID))
	fmt.Fprintf(w, "capabilities:  0x%08x\n", neg.Capabilities)
	fmt.Fprintf(w, "max transact:  %d\n", neg.MaxTransactSize)
	fmt.Fprintf(w, "credits:       %d\n", credits)
	if neg.Cipher != 0 || neg.Capabilities&smb2.CapEncryption != 0 {
		fmt.Fprintf(w, "cipher:        %s\n", config.CipherName(neg.Cipher))
	}
}
