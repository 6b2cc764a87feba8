package passkit

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// Identity is the pass type certificate and its private key. The same
// identity signs pass bundles and authenticates to APNs.
type Identity struct {
	Certificate  *x509.Certificate
	PrivateKey   crypto.PrivateKey
	Intermediate []*x509.Certificate
}

// LoadIdentity decodes a PKCS#12 bundle. Any CA certificates in the bundle
// are kept as intermediates for the signature.
func LoadIdentity(p12 []byte, passphrase string) (*Identity, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(p12, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}
	if _, ok := key.(crypto.Signer); !ok {
		return nil, errors.New("pkcs12 private key cannot sign")
	}
	return &Identity{Certificate: cert, PrivateKey: key, Intermediate: caCerts}, nil
}

// AddIntermediatePEM appends the certificates in pemBytes, typically the
// Apple WWDR certificate, to the chain embedded in signatures.
func (id *Identity) AddIntermediatePEM(pemBytes []byte) error {
	found := false
	for rest := pemBytes; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse intermediate certificate: %w", err)
		}
		id.Intermediate = append(id.Intermediate, c)
		found = true
	}
	if !found {
		return errors.New("no certificate in PEM data")
	}
	return nil
}

// TLSCertificate is the identity in the form an APNs client needs.
func (id *Identity) TLSCertificate() tls.Certificate {
	chain := [][]byte{id.Certificate.Raw}
	for _, c := range id.Intermediate {
		chain = append(chain, c.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}
