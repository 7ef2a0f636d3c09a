// Package certstore parses PEM certificate chains and keys, builds
// per-SNI and aggregated TLS server configurations, and exposes a
// reloadable, immutable snapshot of that state (spec.md §4.2, C2).
//
// Grounded on caddyserver/caddy's caddytls connection-policy and CA
// pool tests (modules/caddytls/{connpolicy,capools,leaffileloader}_test.go)
// and on
// original_source/rpxy-certs/src/{certs,server_crypto,crypto_source}.rs
// for the exact snapshot-building rules this package implements.
package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/rpxy-go/rpxy/internal/namekey"
)

// SingleServerCertsKeys is one host's certificate material: an ordered
// chain of DER certificates (leaf first), a non-empty ordered sequence
// of DER private keys (PKCS#8 preferred, PKCS#1 accepted), and an
// optional set of client-CA DER certificates for mutual TLS.
type SingleServerCertsKeys struct {
	Chain       [][]byte
	PrivateKeys [][]byte
	ClientCAs   [][]byte
}

// IsMutualTLS reports whether client-CA certificates are present.
func (s SingleServerCertsKeys) IsMutualTLS() bool {
	return len(s.ClientCAs) > 0
}

// ParsePEMChain splits a PEM-encoded certificate bundle into an
// ordered list of DER-encoded certificates.
func ParsePEMChain(pemBytes []byte) ([][]byte, error) {
	var chain [][]byte
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("certstore: no CERTIFICATE blocks found in PEM input")
	}
	return chain, nil
}

// ParsePEMKeys splits a PEM-encoded key bundle into an ordered list of
// DER-encoded private keys (PKCS#8 or PKCS#1/EC blocks), converting
// everything to PKCS#8 DER for uniform downstream handling.
func ParsePEMKeys(pemBytes []byte) ([][]byte, error) {
	var keys [][]byte
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		der, err := normalizeKeyDER(block)
		if err != nil {
			return nil, err
		}
		if der != nil {
			keys = append(keys, der)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("certstore: no private key blocks found in PEM input")
	}
	return keys, nil
}

func normalizeKeyDER(block *pem.Block) ([]byte, error) {
	switch block.Type {
	case "PRIVATE KEY":
		// already PKCS#8
		return block.Bytes, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certstore: parsing PKCS#1 RSA key: %w", err)
		}
		return marshalPKCS8(key)
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certstore: parsing EC key: %w", err)
		}
		return marshalPKCS8(key)
	default:
		return nil, nil
	}
}

func marshalPKCS8(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("certstore: marshaling PKCS#8: %w", err)
	}
	return der, nil
}

// CertifiedKey finds, among s.PrivateKeys, the first key usable with
// the leaf certificate's public key / signature scheme, and returns a
// tls.Certificate bundling the chain with that key. This is the Go
// analogue of rustls_certified_key in the original source.
func (s SingleServerCertsKeys) CertifiedKey() (*tls.Certificate, error) {
	if len(s.Chain) == 0 {
		return nil, fmt.Errorf("certstore: no certificate chain")
	}
	leaf, err := x509.ParseCertificate(s.Chain[0])
	if err != nil {
		return nil, fmt.Errorf("certstore: parsing leaf certificate: %w", err)
	}

	for _, keyDER := range s.PrivateKeys {
		priv, err := x509.ParsePKCS8PrivateKey(keyDER)
		if err != nil {
			continue
		}
		if !keyMatchesLeaf(priv, leaf) {
			continue
		}
		cert := &tls.Certificate{
			Certificate: s.Chain,
			PrivateKey:  priv,
			Leaf:        leaf,
		}
		return cert, nil
	}
	return nil, fmt.Errorf("certstore: no usable private key found for leaf certificate's signature scheme")
}

// keyMatchesLeaf reports whether priv's public key matches leaf's
// public key, i.e. priv is usable to sign/authenticate for leaf.
func keyMatchesLeaf(priv crypto.PrivateKey, leaf *x509.Certificate) bool {
	type publicKeyer interface{ Public() crypto.PublicKey }
	signer, ok := priv.(publicKeyer)
	if !ok {
		return false
	}
	pub := signer.Public()
	switch leafPub := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		pk, ok := pub.(*rsa.PublicKey)
		return ok && pk.Equal(leafPub)
	case *ecdsa.PublicKey:
		pk, ok := pub.(*ecdsa.PublicKey)
		return ok && pk.Equal(leafPub)
	case ed25519.PublicKey:
		pk, ok := pub.(ed25519.PublicKey)
		return ok && pk.Equal(leafPub)
	default:
		return false
	}
}

// ClientCAPool builds an x509.CertPool from s.ClientCAs together with
// a Subject-Key-Identifier → certificate map, the Go analogue of
// rustls_client_certs_trust_anchors.
func (s SingleServerCertsKeys) ClientCAPool() (*x509.CertPool, map[string]*x509.Certificate, error) {
	pool := x509.NewCertPool()
	anchors := make(map[string]*x509.Certificate, len(s.ClientCAs))
	for _, der := range s.ClientCAs {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("certstore: parsing client CA certificate: %w", err)
		}
		pool.AddCert(ca)
		anchors[fmt.Sprintf("%x", ca.SubjectKeyId)] = ca
	}
	return pool, anchors, nil
}

// Source is the dynamic-cert-source abstraction: a filesystem reader
// is one implementation, an ACME-directory reader is another (spec.md
// §9 "Dynamic cert source"; out of scope here per spec.md §1, but the
// interface is shaped so such a reader plugs in without changes to the
// reloader or snapshot builder).
type Source interface {
	Read() (SingleServerCertsKeys, error)
	IsMutualTLS() bool
}

// SourceSet maps server names to their certificate sources.
type SourceSet map[namekey.ServerName]Source
