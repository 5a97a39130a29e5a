package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/MachariaP/linesearchd/tlsutil"
)

func newCertCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage TLS certificate material",
	}
	cmd.AddCommand(newCertGenerateCommand(logger))
	return cmd
}

func newCertGenerateCommand(logger pslog.Logger) *cobra.Command {
	var (
		certPath   string
		keyPath    string
		commonName string
		hosts      []string
		validity   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a self-signed server certificate and key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			issued, err := tlsutil.GenerateSelfSigned(tlsutil.ServerCertRequest{
				CommonName: commonName,
				Hosts:      hosts,
				Validity:   validity,
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(certPath, issued.CertPEM, 0o644); err != nil {
				return fmt.Errorf("write certificate: %w", err)
			}
			if err := os.WriteFile(keyPath, issued.KeyPEM, 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			logger.Info("certificate generated",
				"cert", certPath,
				"key", keyPath,
				"hosts", strings.Join(hosts, ","),
				"validity", validity)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&certPath, "cert", "server.crt", "output path for the PEM certificate")
	flags.StringVar(&keyPath, "key", "server.key", "output path for the PEM private key")
	flags.StringVar(&commonName, "cn", "linesearchd", "certificate common name")
	flags.StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IPs the certificate is valid for")
	flags.DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity period")
	return cmd
}
