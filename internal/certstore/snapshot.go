package certstore

import (
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpxy-go/rpxy/internal/caddyutil"
	"github.com/rpxy-go/rpxy/internal/namekey"
)

var log = caddyutil.Named("log.certs")

// alpnH3 and alpnNoH3 are the ALPN protocol lists advertised per the
// handshake policy in spec.md §4.2/§6.
var (
	alpnH3   = []string{"h3", "h2", "http/1.1"}
	alpnNoH3 = []string{"h2", "http/1.1"}
)

// Snapshot is an immutable collection of TLS server configurations
// published to observers via a watch channel (spec.md §3 "ServerCrypto
// snapshot"). Reloads produce a new Snapshot; nothing in an existing
// Snapshot is ever mutated.
type Snapshot struct {
	// PerSNI resolves a TLS ServerConfig for the TCP listeners, keyed
	// by lowercased server name string.
	PerSNI map[string]*tls.Config

	// Aggregated resolves certificates for all non-mTLS hosts via
	// GetCertificate and serves the single UDP/QUIC endpoint,
	// which cannot select a per-host config ahead of the handshake.
	Aggregated *tls.Config
}

// BuildSnapshot is a pure function of the current source set: for
// each entry it builds a per-SNI tls.Config with exactly that host's
// certificate, and (for entries without client auth) adds the host to
// a single aggregated config. A parse failure for one entry logs a
// warning and drops only that entry (spec.md §4.2); a total failure to
// build the aggregated config returns an error.
func BuildSnapshot(sources SourceSet, enableH3 bool) (*Snapshot, error) {
	perSNI := make(map[string]*tls.Config, len(sources))
	aggregatedCerts := make(map[string]*tls.Certificate)

	for name, src := range sources {
		certsKeys, err := src.Read()
		if err != nil {
			log.Warn("dropping host from snapshot: failed to read certificate source",
				zap.String("host", name.String()), zap.Error(err))
			continue
		}

		certKey, err := certsKeys.CertifiedKey()
		if err != nil {
			log.Warn("dropping host from snapshot: failed to build certified key",
				zap.String("host", name.String()), zap.Error(err))
			continue
		}

		isMTLS := certsKeys.IsMutualTLS()
		cfg := &tls.Config{
			Certificates: []tls.Certificate{*certKey},
		}
		if isMTLS {
			pool, _, err := certsKeys.ClientCAPool()
			if err != nil {
				log.Warn("dropping host from snapshot: failed to build client CA pool",
					zap.String("host", name.String()), zap.Error(err))
				continue
			}
			cfg.ClientCAs = pool
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
			cfg.NextProtos = alpnNoH3
		} else {
			if enableH3 {
				cfg.NextProtos = alpnH3
			} else {
				cfg.NextProtos = alpnNoH3
			}
			aggregatedCerts[name.String()] = certKey
		}

		perSNI[name.String()] = cfg
	}

	if len(aggregatedCerts) == 0 && len(sources) > 0 {
		return nil, fmt.Errorf("certstore: failed to build aggregated config: no non-mTLS hosts survived parsing")
	}

	aggregated := &tls.Config{
		NextProtos: alpnNoH3,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := namekey.NewServerName(hello.ServerName)
			cert, ok := aggregatedCerts[name.String()]
			if !ok {
				return nil, fmt.Errorf("certstore: no certificate for SNI %q in aggregated config", hello.ServerName)
			}
			return cert, nil
		},
	}
	if enableH3 {
		aggregated.NextProtos = alpnH3
	}

	return &Snapshot{PerSNI: perSNI, Aggregated: aggregated}, nil
}

// ConfigForSNI looks up the per-SNI ServerConfig for the TCP
// acceptor's GetConfigForClientHello callback (spec.md §4.8 step 3).
func (s *Snapshot) ConfigForSNI(sni string) (*tls.Config, bool) {
	name := namekey.NewServerName(sni)
	cfg, ok := s.PerSNI[name.String()]
	return cfg, ok
}
