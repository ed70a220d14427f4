package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// LoadCA reads the certificate authority used to sign MITM certificates
// for HTTPS hosts reached through the forward proxy.
func LoadCA(certFile, keyFile string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, errors.Wrap(err, "read ca certificate")
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to parse certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse ca certificate")
	}
	if !cert.IsCA {
		return nil, errors.Errorf("certificate %s is not a CA", cert.Subject.CommonName)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "read ca key")
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to parse key PEM")
	}

	priv, err := parsePrivateKey(block)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  priv,
		Leaf:        cert,
	}, nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse PKCS1 key")
		}
		return priv, nil
	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parse EC key")
		}
		return priv, nil
	}

	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parse PKCS8 key")
	}

	switch priv := pk.(type) {
	case *rsa.PrivateKey:
		return priv, nil
	case *ecdsa.PrivateKey:
		return priv, nil
	default:
		return nil, errors.New("private key is neither RSA nor ECDSA")
	}
}
