package tlsutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// IssuedCert captures a generated certificate and its private key in PEM.
type IssuedCert struct {
	CertPEM []byte
	KeyPEM  []byte
}

// ServerCertRequest describes the inputs used to generate a self-signed
// server certificate.
type ServerCertRequest struct {
	CommonName string
	Hosts      []string
	Validity   time.Duration
}

// GenerateSelfSigned creates an ed25519 self-signed server certificate for
// the requested hosts. Hosts that parse as IPs become IP SANs, the rest DNS
// SANs.
func GenerateSelfSigned(req ServerCertRequest) (IssuedCert, error) {
	if req.CommonName == "" {
		req.CommonName = "linesearchd"
	}
	if req.Validity <= 0 {
		req.Validity = 365 * 24 * time.Hour
	}
	if len(req.Hosts) == 0 {
		req.Hosts = []string{"localhost"}
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("tlsutil: generate ed25519 key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return IssuedCert{}, fmt.Errorf("tlsutil: generate serial: %w", err)
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: req.CommonName},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(req.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range req.Hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, host)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("tlsutil: create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("tlsutil: marshal key: %w", err)
	}
	return IssuedCert{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}),
	}, nil
}
