package acceptor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpxy-go/rpxy/internal/certstore"
	"github.com/rpxy-go/rpxy/internal/namekey"
)

func selfSignedSource(t *testing.T, cn string) certstore.Source {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{cn},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	chain, err := certstore.ParsePEMChain(leafPEM)
	require.NoError(t, err)
	keys, err := certstore.ParsePEMKeys(keyPEM)
	require.NoError(t, err)

	return testSource{certstore.SingleServerCertsKeys{Chain: chain, PrivateKeys: keys}}
}

type testSource struct {
	v certstore.SingleServerCertsKeys
}

func (s testSource) Read() (certstore.SingleServerCertsKeys, error) { return s.v, nil }
func (s testSource) IsMutualTLS() bool                              { return s.v.IsMutualTLS() }

func TestGetConfigForClientHelloRequiresSNI(t *testing.T) {
	a := New(Config{TLSEnabled: true}, nil)
	_, err := a.getConfigForClientHello(&tls.ClientHelloInfo{ServerName: ""})
	require.ErrorIs(t, err, errNoSNI)
}

func TestGetConfigForClientHelloMissingSnapshotAborts(t *testing.T) {
	a := New(Config{TLSEnabled: true}, nil)
	_, err := a.getConfigForClientHello(&tls.ClientHelloInfo{ServerName: "a.example"})
	require.ErrorIs(t, err, errSnapshotNotReady)
}

func TestGetConfigForClientHelloMissResultsInAbort(t *testing.T) {
	a := New(Config{TLSEnabled: true}, nil)
	sources := certstore.SourceSet{namekey.NewServerName("a.example"): selfSignedSource(t, "a.example")}
	snap, err := certstore.BuildSnapshot(sources, false)
	require.NoError(t, err)
	a.UpdateSnapshot(snap)

	_, err = a.getConfigForClientHello(&tls.ClientHelloInfo{ServerName: "b.example"})
	require.ErrorIs(t, err, errNoCertForSNI)
}

func TestGetConfigForClientHelloResolvesKnownSNI(t *testing.T) {
	a := New(Config{TLSEnabled: true}, nil)
	sources := certstore.SourceSet{namekey.NewServerName("a.example"): selfSignedSource(t, "a.example")}
	snap, err := certstore.BuildSnapshot(sources, false)
	require.NoError(t, err)
	a.UpdateSnapshot(snap)

	cfg, err := a.getConfigForClientHello(&tls.ClientHelloInfo{ServerName: "A.Example"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Certificates, 1)
}
