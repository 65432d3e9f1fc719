package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	leaf := cert.Leaf
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "localhost")
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())

	validFor := leaf.NotAfter.Sub(leaf.NotBefore)
	assert.InDelta(t, float64(365*24*time.Hour), float64(validFor), float64(time.Hour))

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok, "public key is not ECDSA")
	assert.Equal(t, elliptic.P256(), ecKey.Curve)
	assert.Equal(t, leaf.Subject.CommonName, leaf.Issuer.CommonName)
}

func TestGenerateSelfSignedCertHosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mail.example.com", "::1")
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cert.Leaf.Subject.CommonName)
	assert.Equal(t, []string{"mail.example.com"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.Equal(t, "::1", cert.Leaf.IPAddresses[0].String())
}

func TestCertPoolVerifies(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   CertPool(cert),
	})
	assert.NoError(t, err)
}

func TestClientConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ClientConfig(ClientOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint16(standardtls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Empty(t, cfg.ServerName)
}

func TestClientConfigCAFile(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, EncodeCertPEM(cert), 0o600))

	cfg, err := ClientConfig(ClientOptions{CAFile: path})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)

	_, err = cert.Leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: cfg.RootCAs})
	assert.NoError(t, err)
}

func TestClientConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := ClientConfig(ClientOptions{CAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
	_, err = ClientConfig(ClientOptions{CAFile: path})
	assert.ErrorContains(t, err, "no certificates")
}
