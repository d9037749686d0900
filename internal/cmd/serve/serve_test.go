package serve

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/chirino/mcp-memory/internal/config"
)

func healthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func TestStartHTTPServer_Plaintext(t *testing.T) {
	running, err := startHTTPServer("test", config.ListenerConfig{
		Port:            0,
		EnablePlainText: true,
	}, healthRouter())
	require.NoError(t, err)
	defer running.Close(t.Context())

	require.NotZero(t, running.Port)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", running.Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartHTTPServer_TLSWithSelfSignedFallback(t *testing.T) {
	running, err := startHTTPServer("test", config.ListenerConfig{
		Port:      0,
		EnableTLS: true,
	}, healthRouter())
	require.NoError(t, err)
	defer running.Close(t.Context())

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 test against self-signed cert
		},
	}
	resp, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d/health", running.Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartHTTPServer_RequiresAProtocol(t *testing.T) {
	_, err := startHTTPServer("test", config.ListenerConfig{Port: 0}, healthRouter())
	require.Error(t, err)
}

func TestGenerateSelfSignedCertificate(t *testing.T) {
	cert, err := generateSelfSignedCertificate()
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, leaf.DNSNames, "localhost")
	require.True(t, leaf.NotAfter.After(time.Now()))
}
