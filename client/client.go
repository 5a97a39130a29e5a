// Package client implements the minimal wire client: dial, send one
// newline-terminated query, read one response line.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds dial plus one request/response round trip.
const DefaultTimeout = 10 * time.Second

// Config describes how to reach a server.
type Config struct {
	// Address is the server endpoint, host:port.
	Address string
	// TLS wraps the connection in TLS.
	TLS bool
	// ServerName overrides the TLS server name (defaults to the host part
	// of Address).
	ServerName string
	// CACertPath adds a PEM CA bundle for server verification.
	CACertPath string
	// InsecureSkipVerify disables server certificate verification, for
	// self-signed deployments.
	InsecureSkipVerify bool
	// Timeout bounds the whole exchange; DefaultTimeout when zero.
	Timeout time.Duration
}

// Query sends one query line and returns the server's response line with
// the trailing newline stripped.
func Query(ctx context.Context, cfg Config, query string) (string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return "", fmt.Errorf("client: dial %s: %w", cfg.Address, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	if cfg.TLS {
		tlsConn, err := wrapTLS(ctx, conn, cfg)
		if err != nil {
			return "", err
		}
		conn = tlsConn
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", query); err != nil {
		return "", fmt.Errorf("client: send query: %w", err)
	}
	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("client: read response: %w", err)
	}
	return strings.TrimRight(response, "\r\n"), nil
}

func wrapTLS(ctx context.Context, conn net.Conn, cfg Config) (net.Conn, error) {
	serverName := cfg.ServerName
	if serverName == "" {
		if host, _, err := net.SplitHostPort(cfg.Address); err == nil {
			serverName = host
		}
	}
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertPath != "" {
		data, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("client: read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("client: no certificates in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("client: tls handshake: %w", err)
	}
	return tlsConn, nil
}
