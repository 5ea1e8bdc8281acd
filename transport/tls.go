package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/youmark/pkcs8"
)

var (
	ErrCANotFound         = errors.New("tls: CA certificate file not found")
	ErrCertNotFound       = errors.New("tls: certificate file not found")
	ErrKeyNotFound        = errors.New("tls: key file not found")
	ErrInvalidCertificate = errors.New("tls: invalid certificate")
	ErrKeyDecrypt         = errors.New("tls: can't decrypt private key")
)

type VerifyMode int

const (
	// VerifyStrict checks the broker certificate chain and host name.
	VerifyStrict VerifyMode = iota
	// VerifySkip accepts any broker certificate. For testing only.
	VerifySkip
)

// TLSIdentity is the client side of a mutual TLS session: the CA that signs
// broker certificates and the client certificate and key. All files are PEM.
type TLSIdentity struct {
	CAFile      string
	CertFile    string
	KeyFile     string
	KeyPassword string // for encrypted keys only
	Verify      VerifyMode
}

// Config builds the tls.Config shared by every connection opened with the
// identity. The returned config must not be modified.
func (id *TLSIdentity) Config(log logrus.FieldLogger) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if id.CAFile != "" {
		b, err := os.ReadFile(id.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCANotFound, id.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidCertificate, id.CAFile)
		}
		cfg.RootCAs = pool
	}
	if id.CertFile != "" || id.KeyFile != "" {
		cert, err := id.loadKeyPair()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if id.Verify == VerifySkip {
		if log != nil {
			log.Warn("SSL certificate verification is DISABLED - use only for testing!")
		}
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

func (id *TLSIdentity) loadKeyPair() (tls.Certificate, error) {
	certPEM, err := os.ReadFile(id.CertFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s: %w", ErrCertNotFound, id.CertFile, err)
	}
	keyPEM, err := os.ReadFile(id.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %s: %w", ErrKeyNotFound, id.KeyFile, err)
	}
	if keyPEM, err = decryptKey(keyPEM, id.KeyPassword); err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// decryptKey returns the PEM encoded private key in the clear. Keys that are
// not encrypted are returned as is. Both legacy PEM encryption (Proc-Type
// header) and PKCS#8 ENCRYPTED PRIVATE KEY blocks are supported.
func decryptKey(keyPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM data in key file", ErrInvalidCertificate)
	}
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		if password == "" {
			return nil, fmt.Errorf("%w: key is encrypted and no password is set", ErrKeyDecrypt)
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyDecrypt, err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyDecrypt, err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	// legacy "Proc-Type: 4,ENCRYPTED" block
	case x509.IsEncryptedPEMBlock(block):
		if password == "" {
			return nil, fmt.Errorf("%w: key is encrypted and no password is set", ErrKeyDecrypt)
		}
		der, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyDecrypt, err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
	}
	return keyPEM, nil
}
