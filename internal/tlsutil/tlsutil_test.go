package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)
	assert.ElementsMatch(t, aeadSuites, cfg.CipherSuites)

	// 返回的切片是副本：调用方篡改不应影响后续配置
	cfg.CipherSuites[0] = 0
	assert.NotZero(t, DefaultTLSConfig().CipherSuites[0])
}

func TestSecureTransport(t *testing.T) {
	tr := SecureTransport()

	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, 16, tr.MaxIdleConnsPerHost)
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(15 * time.Second)

	assert.Equal(t, 15*time.Second, client.Timeout)
	require.NotNil(t, client.Transport)
}
