package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/interzept/interzept-srv/logger"
)

// CertificateIssuer mints leaf certificates for intercepted hosts, signed by
// the configured CA. Certificates are cached per host name and generated at
// most once per host, also under concurrent load.
type CertificateIssuer struct {
	caPEM  []byte
	caCert *x509.Certificate
	caKey  crypto.Signer

	mu      sync.Mutex
	cache   map[string]*tls.Certificate
	pending map[string]*pendingCert

	generated atomic.Int64
}

type pendingCert struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// NewCertificateIssuer parses a PEM encoded CA certificate and private key.
// The key may be PKCS#1, PKCS#8 (RSA or EC) or SEC 1 EC.
func NewCertificateIssuer(caCertPEM, caKeyPEM []byte) (*CertificateIssuer, error) {
	block, _ := pem.Decode(caCertPEM)
	if block == nil {
		return nil, NewProxyError(ErrCodeCADecodeFailed, "failed to decode CA cert PEM", nil)
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewProxyError(ErrCodeCAParseFailed, "failed to parse CA cert", err)
	}

	block, _ = pem.Decode(caKeyPEM)
	if block == nil {
		return nil, NewProxyError(ErrCodeCADecodeFailed, "failed to decode CA key PEM", nil)
	}
	caKey, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, NewProxyError(ErrCodeCAParseFailed, "failed to parse CA key", err)
	}

	return &CertificateIssuer{
		caPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}),
		caCert:  caCert,
		caKey:   caKey,
		cache:   make(map[string]*tls.Certificate),
		pending: make(map[string]*pendingCert),
	}, nil
}

// LoadCertificateIssuer reads the CA certificate and key from files.
func LoadCertificateIssuer(certFile, keyFile string) (*CertificateIssuer, error) {
	if certFile == "" || keyFile == "" {
		return nil, NewProxyError(ErrCodeInvalidCAFile, "interception requires a CA certificate and key file", nil)
	}
	certPEM, err := os.ReadFile(filepath.Clean(certFile))
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidCAFile, fmt.Sprintf("failed to read CA certificate file %q", certFile), err)
	}
	keyPEM, err := os.ReadFile(filepath.Clean(keyFile))
	if err != nil {
		return nil, NewProxyError(ErrCodeInvalidCAKey, fmt.Sprintf("failed to read CA key file %q", keyFile), err)
	}
	return NewCertificateIssuer(certPEM, keyPEM)
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	rsaKey, err := x509.ParsePKCS1PrivateKey(der)
	if err == nil {
		return rsaKey, nil
	}
	logger.Debug("Failed to parse key as PKCS#1, trying PKCS#8: %v", err)

	pkcs8Key, err := x509.ParsePKCS8PrivateKey(der)
	if err == nil {
		switch key := pkcs8Key.(type) {
		case *rsa.PrivateKey:
			return key, nil
		case *ecdsa.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("CA key is not a supported private key type (RSA or EC)")
		}
	}
	logger.Debug("Failed to parse key as PKCS#8, trying EC: %v", err)

	ecKey, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("tried PKCS#1, PKCS#8, and EC: %w", err)
	}
	return ecKey, nil
}

// CACertificatePEM returns the CA certificate for clients to trust.
func (i *CertificateIssuer) CACertificatePEM() []byte {
	return i.caPEM
}

// Generated returns how many leaf certificates were minted.
func (i *CertificateIssuer) Generated() int64 {
	return i.generated.Load()
}

// CertificateFor returns the leaf certificate for host, minting it on first use.
func (i *CertificateIssuer) CertificateFor(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return nil, NewProxyError(ErrCodeNoSNIHostname, "", nil)
	}

	i.mu.Lock()
	if cert, ok := i.cache[host]; ok {
		i.mu.Unlock()
		return cert, nil
	}
	if p, ok := i.pending[host]; ok {
		i.mu.Unlock()
		logger.Debug("Waiting for another goroutine to generate certificate for %s", host)
		<-p.done
		return p.cert, p.err
	}
	p := &pendingCert{done: make(chan struct{})}
	i.pending[host] = p
	i.mu.Unlock()

	p.cert, p.err = i.mint(host)

	i.mu.Lock()
	if p.err == nil {
		i.cache[host] = p.cert
	}
	delete(i.pending, host)
	i.mu.Unlock()
	close(p.done)

	return p.cert, p.err
}

func (i *CertificateIssuer) mint(host string) (*tls.Certificate, error) {
	logger.Debug("Generating new certificate for %s", host)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "failed to generate private key", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.caCert, &priv.PublicKey, i.caKey)
	if err != nil {
		return nil, NewProxyError(ErrCodeCertGenerationFailed, "failed to create certificate", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, NewProxyError(ErrCodeX509KeyPairFailed, "", err)
	}

	i.generated.Add(1)
	return &tls.Certificate{
		Certificate: [][]byte{der, i.caCert.Raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// TLSConfig returns the server side configuration for an intercepted tunnel.
// The SNI name wins over fallbackHost, the CONNECT target.
func (i *CertificateIssuer) TLSConfig(fallbackHost string, alpn bool) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = fallbackHost
			}
			return i.CertificateFor(host)
		},
	}
	if alpn {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	} else {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}
