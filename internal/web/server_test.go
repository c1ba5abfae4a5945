package web

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/announced/internal/config"
)

// writeTestCertificate 在临时目录生成自签名证书和私钥
func writeTestCertificate(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.local"},
		DNSNames:     []string{"example.local", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "example.local.pem")
	keyFile = filepath.Join(dir, "example.local-key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return certFile, keyFile
}

func testConfig(certFile, keyFile string) Config {
	return Config{
		ListenAddress:   "127.0.0.1",
		Port:            0,
		CertFile:        certFile,
		KeyFile:         keyFile,
		ShutdownTimeout: time.Second,
	}
}

func TestHelloForAnyPathAndMethod(t *testing.T) {
	s := NewServer(testConfig("", ""), config.NewNopLogger())

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodGet, "/anything"},
		{http.MethodPost, "/api/v1/deep/path"},
		{http.MethodDelete, "/x"},
		{http.MethodHead, "/"},
		{"PURGE", "/cache"},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("ignored"))
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get(echo.HeaderAllow))
			if tc.method != http.MethodHead {
				assert.Equal(t, Greeting, rec.Body.String())
			}
			assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
			assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID), "应生成请求ID")
		})
	}
}

func TestServeOverTLS(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t)
	s := NewServer(testConfig(certFile, keyFile), config.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(ctx)
	}()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond, "服务未开始监听")

	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get("https://" + s.Addr().String() + "/some/path")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Greeting, string(body))
	require.NotNil(t, resp.TLS, "连接应使用TLS")
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err, "收到取消信号后应正常退出")
	case <-time.After(3 * time.Second):
		t.Fatal("服务未在超时内关闭")
	}
}

func TestServeMissingCertificate(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(testConfig(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing-key.pem")), config.NewNopLogger())

	err := s.Serve(context.Background())
	assert.ErrorIs(t, err, ErrCertificate)
	assert.Nil(t, s.Addr(), "证书错误时不应监听端口")
}

func TestServeInvalidCertificate(t *testing.T) {
	certFile, _ := writeTestCertificate(t)
	badKey := filepath.Join(t.TempDir(), "bad-key.pem")
	require.NoError(t, os.WriteFile(badKey, []byte("not a key"), 0o600))

	s := NewServer(testConfig(certFile, badKey), config.NewNopLogger())
	assert.ErrorIs(t, s.Serve(context.Background()), ErrCertificate)
}

func TestServePortInUse(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(certFile, keyFile)
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port

	s := NewServer(cfg, config.NewNopLogger())
	assert.ErrorIs(t, s.Serve(context.Background()), ErrListen)
}

func TestServeTwice(t *testing.T) {
	s := NewServer(testConfig("missing.pem", "missing-key.pem"), config.NewNopLogger())

	assert.ErrorIs(t, s.Serve(context.Background()), ErrCertificate)
	assert.ErrorIs(t, s.Serve(context.Background()), ErrAlreadyServing)
}

func TestConfigAddress(t *testing.T) {
	assert.Equal(t, "0.0.0.0:80", Config{ListenAddress: "0.0.0.0", Port: 80}.Address())
	assert.Equal(t, "[::1]:8443", Config{ListenAddress: "::1", Port: 8443}.Address())
}
