package transport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcli-dev/kcli/api/Metadata"
	"github.com/kcli-dev/kcli/internal/kafkatest"
	"github.com/kcli-dev/kcli/logging"
)

func newPKI(t *testing.T) *kafkatest.PKI {
	t.Helper()
	pki, err := kafkatest.NewPKI(t.TempDir())
	require.NoError(t, err)
	return pki
}

func TestIntegrationMutualTLS(t *testing.T) {
	pki := newPKI(t)
	c := newCluster(t, kafkatest.WithTLS(pki.Server))
	id := &TLSIdentity{CAFile: pki.CAFile, CertFile: pki.CertFile, KeyFile: pki.KeyFile}
	cfg, err := id.Config(nil)
	require.NoError(t, err)
	conn, err := Dial(context.Background(), c.Addr(1), cfg, Options{})
	require.NoError(t, err)
	defer conn.Close()
	resp := &Metadata.Response{}
	require.NoError(t, conn.Call(context.Background(), Metadata.NewRequest([]string{"test"}), resp))
	assert.Len(t, resp.Brokers, 1)
}

func TestIntegrationTLSUntrustedBroker(t *testing.T) {
	pki := newPKI(t)
	c := newCluster(t, kafkatest.WithTLS(pki.Server))
	id := &TLSIdentity{CAFile: pki.OtherCAFile, CertFile: pki.CertFile, KeyFile: pki.KeyFile}
	cfg, err := id.Config(nil)
	require.NoError(t, err)
	_, err = Dial(context.Background(), c.Addr(1), cfg, Options{})
	assert.ErrorIs(t, err, ErrTLSHandshake)
	// same identity with verification off
	id.Verify = VerifySkip
	cfg, err = id.Config(logging.Discard())
	require.NoError(t, err)
	conn, err := Dial(context.Background(), c.Addr(1), cfg, Options{})
	require.NoError(t, err)
	conn.Close()
}

func TestIntegrationTLSEncryptedKeys(t *testing.T) {
	pki := newPKI(t)
	c := newCluster(t, kafkatest.WithTLS(pki.Server))
	for _, keyFile := range []string{pki.PKCS8KeyFile, pki.LegacyKeyFile} {
		id := &TLSIdentity{
			CAFile:      pki.CAFile,
			CertFile:    pki.CertFile,
			KeyFile:     keyFile,
			KeyPassword: kafkatest.KeyPassword,
		}
		cfg, err := id.Config(nil)
		require.NoError(t, err, keyFile)
		conn, err := Dial(context.Background(), c.Addr(1), cfg, Options{})
		require.NoError(t, err, keyFile)
		conn.Close()
		id.KeyPassword = ""
		_, err = id.Config(nil)
		assert.ErrorIs(t, err, ErrKeyDecrypt, keyFile)
	}
	id := &TLSIdentity{CertFile: pki.CertFile, KeyFile: pki.PKCS8KeyFile, KeyPassword: "wrong"}
	_, err := id.Config(nil)
	assert.ErrorIs(t, err, ErrKeyDecrypt)
}

func TestUnitTLSMissingFiles(t *testing.T) {
	pki := newPKI(t)
	missing := filepath.Join(pki.Dir, "missing.pem")
	tests := []struct {
		id   TLSIdentity
		want error
	}{
		{TLSIdentity{CAFile: missing}, ErrCANotFound},
		{TLSIdentity{CAFile: pki.CAFile, CertFile: missing, KeyFile: pki.KeyFile}, ErrCertNotFound},
		{TLSIdentity{CAFile: pki.CAFile, CertFile: pki.CertFile, KeyFile: missing}, ErrKeyNotFound},
		{TLSIdentity{CAFile: pki.KeyFile}, ErrInvalidCertificate},
		{TLSIdentity{CertFile: pki.CAFile, KeyFile: pki.KeyFile}, ErrInvalidCertificate},
	}
	for i, test := range tests {
		_, err := test.id.Config(nil)
		assert.ErrorIs(t, err, test.want, i)
	}
}
