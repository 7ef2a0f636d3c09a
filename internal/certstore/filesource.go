package certstore

import (
	"fmt"
	"os"
)

// FileSource reads certificate material from three filesystem paths:
// the leaf-chain PEM, the private key PEM, and an optional client-CA
// PEM. It is the default implementation of Source (spec.md §4.2
// "source is currently a triple of filesystem paths").
type FileSource struct {
	LeafChainPath string
	KeyPath       string
	ClientCAPath  string // empty disables mutual TLS
}

// Read implements Source.
func (f FileSource) Read() (SingleServerCertsKeys, error) {
	leafPEM, err := os.ReadFile(f.LeafChainPath)
	if err != nil {
		return SingleServerCertsKeys{}, fmt.Errorf("certstore: reading leaf chain %s: %w", f.LeafChainPath, err)
	}
	chain, err := ParsePEMChain(leafPEM)
	if err != nil {
		return SingleServerCertsKeys{}, fmt.Errorf("certstore: %s: %w", f.LeafChainPath, err)
	}

	keyPEM, err := os.ReadFile(f.KeyPath)
	if err != nil {
		return SingleServerCertsKeys{}, fmt.Errorf("certstore: reading key %s: %w", f.KeyPath, err)
	}
	keys, err := ParsePEMKeys(keyPEM)
	if err != nil {
		return SingleServerCertsKeys{}, fmt.Errorf("certstore: %s: %w", f.KeyPath, err)
	}

	var clientCAs [][]byte
	if f.ClientCAPath != "" {
		caPEM, err := os.ReadFile(f.ClientCAPath)
		if err != nil {
			return SingleServerCertsKeys{}, fmt.Errorf("certstore: reading client CA %s: %w", f.ClientCAPath, err)
		}
		clientCAs, err = ParsePEMChain(caPEM)
		if err != nil {
			return SingleServerCertsKeys{}, fmt.Errorf("certstore: %s: %w", f.ClientCAPath, err)
		}
	}

	return SingleServerCertsKeys{
		Chain:       chain,
		PrivateKeys: keys,
		ClientCAs:   clientCAs,
	}, nil
}

// IsMutualTLS implements Source.
func (f FileSource) IsMutualTLS() bool {
	return f.ClientCAPath != ""
}
