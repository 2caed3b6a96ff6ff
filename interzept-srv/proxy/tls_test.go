package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCA returns a self-signed CA with a PKCS#8 EC key.
func newTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return selfSignCA(t, &key.PublicKey, key), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

func selfSignCA(t *testing.T, pub, priv any) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "interzept test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestIssuer(t *testing.T) *CertificateIssuer {
	t.Helper()
	certPEM, keyPEM := newTestCA(t)
	issuer, err := NewCertificateIssuer(certPEM, keyPEM)
	require.NoError(t, err)
	return issuer
}

func caPool(t *testing.T, issuer *CertificateIssuer) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(issuer.CACertificatePEM()))
	return pool
}

func TestCertificateIssuerMintsVerifiableLeaf(t *testing.T) {
	issuer := newTestIssuer(t)

	cert, err := issuer.CertificateFor("Example.COM:443")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"example.com"}, cert.Leaf.DNSNames)
	assert.Len(t, cert.Certificate, 2)

	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		DNSName: "example.com",
		Roots:   caPool(t, issuer),
	})
	assert.NoError(t, err)

	ipCert, err := issuer.CertificateFor("127.0.0.1")
	require.NoError(t, err)
	require.Len(t, ipCert.Leaf.IPAddresses, 1)
	assert.True(t, ipCert.Leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
}

func TestCertificateIssuerCachesPerHost(t *testing.T) {
	issuer := newTestIssuer(t)

	var wg sync.WaitGroup
	certs := make([]*tls.Certificate, 16)
	for i := range certs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := issuer.CertificateFor("concurrent.example")
			assert.NoError(t, err)
			certs[i] = cert
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), issuer.Generated())
	for _, cert := range certs {
		assert.Same(t, certs[0], cert)
	}

	_, err := issuer.CertificateFor("other.example")
	require.NoError(t, err)
	assert.Equal(t, int64(2), issuer.Generated())
}

func TestCertificateIssuerRejectsEmptyHost(t *testing.T) {
	issuer := newTestIssuer(t)
	_, err := issuer.CertificateFor("")
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeNoSNIHostname, proxyErr.Code)
}

func TestNewCertificateIssuerKeyFormats(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaCert := selfSignCA(t, &rsaKey.PublicKey, rsaKey)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})

	issuer, err := NewCertificateIssuer(rsaCert, pkcs1)
	require.NoError(t, err)
	_, err = issuer.CertificateFor("rsa.example")
	assert.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1DER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: sec1DER})
	_, err = NewCertificateIssuer(selfSignCA(t, &ecKey.PublicKey, ecKey), sec1)
	assert.NoError(t, err)
}

func TestNewCertificateIssuerErrors(t *testing.T) {
	certPEM, keyPEM := newTestCA(t)

	_, err := NewCertificateIssuer([]byte("not pem"), keyPEM)
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeCADecodeFailed, proxyErr.Code)

	_, err = NewCertificateIssuer(certPEM, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("garbage")}))
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeCAParseFailed, proxyErr.Code)

	_, err = LoadCertificateIssuer("", "")
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeInvalidCAFile, proxyErr.Code)
}

func TestLoadCertificateIssuer(t *testing.T) {
	certPEM, keyPEM := newTestCA(t)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.pem")
	keyFile := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	issuer, err := LoadCertificateIssuer(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, certPEM, issuer.CACertificatePEM())

	_, err = LoadCertificateIssuer(certFile, filepath.Join(dir, "missing.key"))
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeInvalidCAKey, proxyErr.Code)
}

func TestTLSConfigALPN(t *testing.T) {
	issuer := newTestIssuer(t)
	assert.Equal(t, []string{"h2", "http/1.1"}, issuer.TLSConfig("example.com", true).NextProtos)
	assert.Equal(t, []string{"http/1.1"}, issuer.TLSConfig("example.com", false).NextProtos)

	cert, err := issuer.TLSConfig("fallback.example", true).GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback.example"}, cert.Leaf.DNSNames)
}
