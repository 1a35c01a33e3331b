// Package certs manages the broker's TLS certificate. A broker without a
// CA-issued certificate can generate a self-signed one; endpoints then pin
// its SHA-256 fingerprint instead of verifying a chain.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options configures Ensure and Generate.
type Options struct {
	// CertPath and KeyPath default to ~/.livesync/certs/broker.{crt,key}.
	CertPath string
	KeyPath  string

	// Hosts become subject alternative names. Default: localhost, 127.0.0.1.
	Hosts []string

	// Valid is the certificate lifetime. Default: one year.
	Valid time.Duration
}

// Pair describes a certificate and key on disk.
type Pair struct {
	CertPath string
	KeyPath  string

	// Fingerprint is the SHA-256 of the certificate, as colon-separated
	// uppercase hex ("AA:BB:...").
	Fingerprint string

	NotAfter  time.Time
	Generated bool
}

// DefaultPaths returns ~/.livesync/certs/broker.crt and broker.key.
func DefaultPaths() (certPath, keyPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".livesync", "certs")
	return filepath.Join(dir, "broker.crt"), filepath.Join(dir, "broker.key"), nil
}

// Ensure loads the pair when both files exist and generates it otherwise.
func Ensure(opts Options) (*Pair, error) {
	if opts.CertPath == "" || opts.KeyPath == "" {
		certPath, keyPath, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		if opts.CertPath == "" {
			opts.CertPath = certPath
		}
		if opts.KeyPath == "" {
			opts.KeyPath = keyPath
		}
	}

	if isFile(opts.CertPath) && isFile(opts.KeyPath) {
		pair, err := Load(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		return pair, nil
	}
	pair, err := Generate(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return pair, nil
}

// Load reads an existing pair and computes its fingerprint.
func Load(certPath, keyPath string) (*Pair, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &Pair{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(leaf.Raw),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// Generate writes a new self-signed ECDSA P-256 certificate and key.
func Generate(opts Options) (*Pair, error) {
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	valid := opts.Valid
	if valid <= 0 {
		valid = 365 * 24 * time.Hour
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"livesync"},
			CommonName:   "livesync broker",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(valid),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(opts.CertPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(opts.KeyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}

	return &Pair{
		CertPath:    opts.CertPath,
		KeyPath:     opts.KeyPath,
		Fingerprint: Fingerprint(der),
		NotAfter:    template.NotAfter,
		Generated:   true,
	}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", strings.ToLower(blockType), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns the SHA-256 of a DER certificate as "AA:BB:...".
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	hexStr := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(hexStr); i += 2 {
		parts = append(parts, hexStr[i:i+2])
	}
	return strings.Join(parts, ":")
}

// normalizeFingerprint accepts fingerprints with or without colons, in
// either case.
func normalizeFingerprint(fp string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// ServerConfig loads the pair into a TLS 1.2+ server configuration.
func ServerConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ErrFingerprintMismatch is returned when a pinned server presents a
// different certificate.
var ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")

// PinnedClientConfig trusts exactly the certificate with the given
// fingerprint. Chain and hostname verification are replaced by the pin.
func PinnedClientConfig(fingerprint string) *tls.Config {
	want := normalizeFingerprint(fingerprint)
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			if normalizeFingerprint(Fingerprint(rawCerts[0])) != want {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
