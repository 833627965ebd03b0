package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv(t *testing.T) {
	input := `
# comment
PLAIN=value
export EXPORTED=yes
QUOTED="with spaces"
SINGLE='single'
EMPTY=
 SPACED = padded
`
	vars, err := parseEnv(bufio.NewScanner(strings.NewReader(input)))
	require.NoError(t, err)
	assert.Equal(t, [][2]string{
		{"PLAIN", "value"},
		{"EXPORTED", "yes"},
		{"QUOTED", "with spaces"},
		{"SINGLE", "single"},
		{"EMPTY", ""},
		{"SPACED", "padded"},
	}, vars)

	_, err = parseEnv(bufio.NewScanner(strings.NewReader("OK=1\nbroken line\n")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MOBILEPROXY_TEST_NEW=fromfile\nMOBILEPROXY_TEST_SET=fromfile\n"), 0o600))
	t.Setenv("MOBILEPROXY_TEST_SET", "fromenv")
	t.Setenv("MOBILEPROXY_TEST_NEW", "")
	require.NoError(t, os.Unsetenv("MOBILEPROXY_TEST_NEW"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "fromfile", os.Getenv("MOBILEPROXY_TEST_NEW"))
	assert.Equal(t, "fromenv", os.Getenv("MOBILEPROXY_TEST_SET"))

	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestParseHeaderFlag(t *testing.T) {
	name, value, err := parseHeaderFlag("Content-Type:  text/plain ")
	require.NoError(t, err)
	assert.Equal(t, "Content-Type", name)
	assert.Equal(t, "text/plain", value)

	name, value, err = parseHeaderFlag("X-Empty:")
	require.NoError(t, err)
	assert.Equal(t, "X-Empty", name)
	assert.Empty(t, value)

	for _, bad := range []string{"no-colon", ": value", ""} {
		_, _, err := parseHeaderFlag(bad)
		assert.Error(t, err, bad)
	}
}

func TestRequestHeaders(t *testing.T) {
	headers, err := requestHeaders("https://example.com:8443/a/b?q=1", "post", []string{"Accept: text/plain", "X-Multi: 1", "X-Multi: 2"})
	require.NoError(t, err)
	assert.Equal(t, "POST", headers.Method())
	assert.Equal(t, "https", headers.Scheme())
	assert.Equal(t, "example.com:8443", headers.Authority())
	assert.Equal(t, "/a/b?q=1", headers.Path())
	assert.Equal(t, []string{"1", "2"}, headers.Values("x-multi"))

	headers, err = requestHeaders("http://example.com", "GET", nil)
	require.NoError(t, err)
	assert.Equal(t, "/", headers.Path())

	_, err = requestHeaders("example.com/path", "GET", nil)
	assert.Error(t, err)
	_, err = requestHeaders("http://example.com/", "GET", []string{"bad"})
	assert.Error(t, err)
}

func TestStartSOCKS5(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "through socks")
	}))
	defer backend.Close()

	listener, err := startSOCKS5("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	tr := transport.New(transport.Options{ConnectTimeout: 2 * time.Second})
	defer tr.Close()

	req := &transport.Request{
		Method:    http.MethodGet,
		Scheme:    "http",
		Authority: strings.TrimPrefix(backend.URL, "http://"),
		Path:      "/",
	}
	target := transport.Target{
		Proxy:    netip.MustParseAddrPort(listener.Addr().String()),
		Protocol: config.ProxyProtocolSOCKS5,
	}
	resp, err := tr.RoundTrip(context.Background(), target, req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "through socks", string(body))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "mobileproxy "+Version)
}
