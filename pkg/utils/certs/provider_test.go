//nolint:thelper,whitespace,lll,funlen,gocritic,dupl // ok for tests
package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generatePair(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	return certPEM, keyPEM
}

func commonName(t *testing.T, p *Provider) string {
	c, err := p.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func TestProvider_NothingConfigured(t *testing.T) {
	_, err := NewProvider().TLSConfig(context.Background())
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestProvider_KeyPairReload(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	c, k := generatePair(t, "first.example.com")
	require.NoError(t, os.WriteFile(certFile, c, 0o600))
	require.NoError(t, os.WriteFile(keyFile, k, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProvider(WithKeyPair(certFile, keyFile))
	cfg, err := p.TLSConfig(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cfg.GetCertificate)
	assert.Equal(t, "first.example.com", commonName(t, p))

	c, k = generatePair(t, "second.example.com")
	require.NoError(t, os.WriteFile(keyFile, k, 0o600))
	require.NoError(t, os.WriteFile(certFile, c, 0o600))

	assert.Eventually(t, func() bool {
		return commonName(t, p) == "second.example.com"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProvider_Traefik(t *testing.T) {
	c, k := generatePair(t, "relay.example.com")
	store := fmt.Sprintf(`{"le":{"Certificates":[{"domain":{"main":"relay.example.com"},"certificate":%q,"key":%q}]}}`,
		base64.StdEncoding.EncodeToString(c), base64.StdEncoding.EncodeToString(k))
	file := filepath.Join(t.TempDir(), "acme.json")
	require.NoError(t, os.WriteFile(file, []byte(store), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProvider(WithTraefik(file, "relay.example.com"))
	_, err := p.TLSConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "relay.example.com", commonName(t, p))
}
