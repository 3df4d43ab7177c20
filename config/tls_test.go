package config

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfig_ClientConfig(t *testing.T) {
	dir := t.TempDir()
	notPEM := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))

	tests := []struct {
		name    string
		cfg     *TLSConfig
		wantNil bool
		wantErr string
	}{
		{name: "nil", cfg: nil, wantNil: true},
		{name: "disabled", cfg: &TLSConfig{CertFile: "client.pem"}, wantNil: true},
		{name: "cert without key", cfg: &TLSConfig{Enabled: true, CertFile: "client.pem"}, wantErr: "must be set together"},
		{name: "key without cert", cfg: &TLSConfig{Enabled: true, KeyFile: "client.key"}, wantErr: "must be set together"},
		{
			name:    "missing key pair",
			cfg:     &TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "c.pem"), KeyFile: filepath.Join(dir, "c.key")},
			wantErr: "failed to load client certificate",
		},
		{name: "missing ca", cfg: &TLSConfig{Enabled: true, CAFile: filepath.Join(dir, "nope.pem")}, wantErr: "failed to read CA certificate"},
		{name: "ca without certificates", cfg: &TLSConfig{Enabled: true, CAFile: notPEM}, wantErr: "no certificates found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.ClientConfig()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
			}
		})
	}
}

func TestTLSConfig_SystemRoots(t *testing.T) {
	got, err := (&TLSConfig{Enabled: true, ServerName: "redis.internal"}).ClientConfig()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "redis.internal", got.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), got.MinVersion)
	assert.Nil(t, got.RootCAs)
	assert.Empty(t, got.Certificates)
}

func TestParse_TLSBlocks(t *testing.T) {
	cfg, err := Parse([]byte(`
redis:
  url: rediss://cache:6380
  tls:
    enabled: true
    server_name: cache
discovery:
  endpoints: ["etcd:2379"]
  tls:
    enabled: true
    ca_file: /etc/probegrid/ca.pem
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Redis.TLS)
	assert.True(t, cfg.Redis.TLS.Enabled)
	assert.Equal(t, "cache", cfg.Redis.TLS.ServerName)
	require.NotNil(t, cfg.Discovery.TLS)
	assert.Equal(t, "/etc/probegrid/ca.pem", cfg.Discovery.TLS.CAFile)
}
