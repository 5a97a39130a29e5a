package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/MachariaP/linesearchd"
	"github.com/MachariaP/linesearchd/client"
	"github.com/MachariaP/linesearchd/internal/protocol"
)

func newQueryCommand() *cobra.Command {
	var cfg client.Config
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query <string>",
		Short: "Send one query to a running server and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg.Timeout = timeout
			response, err := client.Query(cmd.Context(), cfg, args[0])
			if err != nil {
				return exitCodeError{code: exitRuntimeError, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), response)
			switch response {
			case protocol.ResponseExists, protocol.ResponseNotFound:
				return nil
			default:
				return exitCodeError{
					code: exitRuntimeError,
					err:  fmt.Errorf("server responded %q", response),
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.Address, "server",
		net.JoinHostPort(linesearchd.DefaultHost, strconv.Itoa(linesearchd.DefaultPort)),
		"server endpoint (host:port)")
	flags.BoolVar(&cfg.TLS, "tls", false, "connect over TLS")
	flags.StringVar(&cfg.ServerName, "tls-server-name", "", "override the TLS server name")
	flags.StringVar(&cfg.CACertPath, "tls-ca", "", "PEM CA bundle for server verification")
	flags.BoolVar(&cfg.InsecureSkipVerify, "insecure", false, "skip server certificate verification")
	flags.DurationVar(&timeout, "timeout", client.DefaultTimeout, "overall exchange deadline")
	return cmd
}
