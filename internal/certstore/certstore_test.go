package certstore

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

	"github.com/rpxy-go/rpxy/internal/namekey"
)

// generateSelfSigned builds a minimal self-signed leaf certificate and
// its PKCS#8 key, both PEM-encoded, for use as test fixtures.
func generateSelfSigned(t *testing.T, cn string) (leafPEM, keyPEM []byte) {
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

	leafPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return leafPEM, keyPEM
}

type memSource struct {
	certsKeys SingleServerCertsKeys
}

func (m memSource) Read() (SingleServerCertsKeys, error) { return m.certsKeys, nil }
func (m memSource) IsMutualTLS() bool                    { return m.certsKeys.IsMutualTLS() }

func TestBuildSnapshotSingleHostNoMTLS(t *testing.T) {
	leafPEM, keyPEM := generateSelfSigned(t, "a.example")
	chain, err := ParsePEMChain(leafPEM)
	require.NoError(t, err)
	keys, err := ParsePEMKeys(keyPEM)
	require.NoError(t, err)

	sources := SourceSet{
		namekey.NewServerName("a.example"): memSource{
			certsKeys: SingleServerCertsKeys{Chain: chain, PrivateKeys: keys},
		},
	}

	snap, err := BuildSnapshot(sources, true)
	require.NoError(t, err)
	require.Contains(t, snap.PerSNI, "a.example")
	require.Equal(t, []string{"h3", "h2", "http/1.1"}, snap.PerSNI["a.example"].NextProtos)

	cert, err := snap.Aggregated.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.example"})
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestBuildSnapshotDropsUnparsableHostButKeepsOthers(t *testing.T) {
	goodLeaf, goodKey := generateSelfSigned(t, "good.example")
	goodChain, _ := ParsePEMChain(goodLeaf)
	goodKeys, _ := ParsePEMKeys(goodKey)

	sources := SourceSet{
		namekey.NewServerName("good.example"): memSource{
			certsKeys: SingleServerCertsKeys{Chain: goodChain, PrivateKeys: goodKeys},
		},
		namekey.NewServerName("bad.example"): memSource{
			certsKeys: SingleServerCertsKeys{}, // empty chain -> CertifiedKey() fails
		},
	}

	snap, err := BuildSnapshot(sources, false)
	require.NoError(t, err)
	require.Contains(t, snap.PerSNI, "good.example")
	require.NotContains(t, snap.PerSNI, "bad.example")
}

func TestIsMutualTLS(t *testing.T) {
	s := SingleServerCertsKeys{}
	require.False(t, s.IsMutualTLS())
	s.ClientCAs = [][]byte{{0x01}}
	require.True(t, s.IsMutualTLS())
}

func TestReloaderPublishesOnWatchChannel(t *testing.T) {
	leafPEM, keyPEM := generateSelfSigned(t, "a.example")
	chain, _ := ParsePEMChain(leafPEM)
	keys, _ := ParsePEMKeys(keyPEM)
	sources := SourceSet{
		namekey.NewServerName("a.example"): memSource{
			certsKeys: SingleServerCertsKeys{Chain: chain, PrivateKeys: keys},
		},
	}

	r := NewReloader(sources, false, time.Hour)
	snap, err := r.Reload()
	require.NoError(t, err)
	require.NotNil(t, snap)

	select {
	case got := <-r.Watch():
		require.Same(t, snap, got)
	default:
		t.Fatal("expected a snapshot on the watch channel")
	}
}
