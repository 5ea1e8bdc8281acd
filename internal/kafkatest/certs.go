package kafkatest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/youmark/pkcs8"
)

const KeyPassword = "kcli-secret"

// PKI is a throwaway certificate authority with a broker certificate for
// 127.0.0.1 and a client certificate, written as PEM files to Dir.
type PKI struct {
	Dir           string
	CAFile        string
	OtherCAFile   string // a CA that signed nothing
	CertFile      string
	KeyFile       string
	PKCS8KeyFile  string // KeyFile encrypted as PKCS#8 with KeyPassword
	LegacyKeyFile string // KeyFile encrypted with a Proc-Type header
	Server        *tls.Config
}

type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
}

var serial atomic.Int64

func newAuthority(name string) (*authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &authority{cert: cert, key: key, der: der}, nil
}

func (a *authority) issue(name string, usage x509.ExtKeyUsage, ips []net.IP, dns []string) ([]byte, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		IPAddresses:  ips,
		DNSNames:     dns,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}

func writePEM(path, typ string, der []byte) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0600)
}

// NewPKI writes certificates and keys to dir. The server config requires and
// verifies client certificates.
func NewPKI(dir string) (*PKI, error) {
	ca, err := newAuthority("kafkatest-ca")
	if err != nil {
		return nil, err
	}
	other, err := newAuthority("kafkatest-other-ca")
	if err != nil {
		return nil, err
	}
	p := &PKI{
		Dir:           dir,
		CAFile:        filepath.Join(dir, "ca.pem"),
		OtherCAFile:   filepath.Join(dir, "other-ca.pem"),
		CertFile:      filepath.Join(dir, "client.pem"),
		KeyFile:       filepath.Join(dir, "client.key"),
		PKCS8KeyFile:  filepath.Join(dir, "client-pkcs8.key"),
		LegacyKeyFile: filepath.Join(dir, "client-legacy.key"),
	}
	if err := writePEM(p.CAFile, "CERTIFICATE", ca.der); err != nil {
		return nil, err
	}
	if err := writePEM(p.OtherCAFile, "CERTIFICATE", other.der); err != nil {
		return nil, err
	}
	clientDER, clientKey, err := ca.issue("kcli", x509.ExtKeyUsageClientAuth, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writePEM(p.CertFile, "CERTIFICATE", clientDER); err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(clientKey)
	if err != nil {
		return nil, err
	}
	if err := writePEM(p.KeyFile, "EC PRIVATE KEY", keyDER); err != nil {
		return nil, err
	}
	encrypted, err := pkcs8.MarshalPrivateKey(clientKey, []byte(KeyPassword), nil)
	if err != nil {
		return nil, err
	}
	if err := writePEM(p.PKCS8KeyFile, "ENCRYPTED PRIVATE KEY", encrypted); err != nil {
		return nil, err
	}
	legacy, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", keyDER, []byte(KeyPassword), x509.PEMCipherAES256)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.LegacyKeyFile, pem.EncodeToMemory(legacy), 0600); err != nil {
		return nil, err
	}
	serverDER, serverKey, err := ca.issue("localhost", x509.ExtKeyUsageServerAuth,
		[]net.IP{net.ParseIP("127.0.0.1")}, []string{"localhost"})
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	p.Server = &tls.Config{
		MinVersion: tls.VersionTLS12,
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{serverDER},
			PrivateKey:  serverKey,
		}},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
	}
	return p, nil
}
