package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PaperCranium/BrowserSats/internal/config"
	"github.com/PaperCranium/BrowserSats/internal/proxy"
)

func setupWorkspace(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	ws := t.TempDir()
	workspace = ws
	timeout = 5 * time.Second
	cfg = config.DefaultConfig()
	cfg.Resolve(ws)
	t.Cleanup(func() {
		workspace = ""
		cfg = nil
	})
	return ws
}

func newTestCmd(in string) (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	out := &bytes.Buffer{}
	cmd.SetIn(strings.NewReader(in))
	cmd.SetOut(out)
	return cmd, out
}

func TestConvertFromStdin(t *testing.T) {
	setupWorkspace(t)
	convertPrice = 50000
	defer func() { convertPrice = 0 }()

	cmd, out := newTestCmd(`<html><body><p>Now only $12.99!</p><script>var p = "$5.00";</script></body></html>`)
	require.NoError(t, runConvert(cmd, nil))

	html := out.String()
	assert.Contains(t, html, "丰25,980")
	assert.Contains(t, html, `"$5.00"`, "script content must be untouched")
}

func TestConvertFileToOutput(t *testing.T) {
	ws := setupWorkspace(t)
	convertPrice = 50000
	convertOut = filepath.Join(ws, "out.html")
	defer func() {
		convertPrice = 0
		convertOut = ""
	}()

	in := filepath.Join(ws, "in.html")
	require.NoError(t, os.WriteFile(in, []byte("<p>€160 billion</p>"), 0644))

	cmd, stdout := newTestCmd("")
	require.NoError(t, runConvert(cmd, []string{in}))
	assert.Empty(t, stdout.String())

	data, err := os.ReadFile(convertOut)
	require.NoError(t, err)
	assert.Contains(t, string(data), "₿")
}

func TestConvertMissingFile(t *testing.T) {
	setupWorkspace(t)
	convertPrice = 50000
	defer func() { convertPrice = 0 }()

	cmd, _ := newTestCmd("")
	assert.Error(t, runConvert(cmd, []string{filepath.Join(t.TempDir(), "nope.html")}))
}

func TestOpenSourceURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/item" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<p>$1</p>"))
	}))
	defer srv.Close()

	cmd, _ := newTestCmd("")
	body, host, err := openSource(cmdContext(cmd), srv.URL+"/item", nil)
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, "127.0.0.1", host)

	_, _, err = openSource(cmdContext(cmd), srv.URL+"/missing", nil)
	assert.Error(t, err)
}

func TestToggleRoundTrip(t *testing.T) {
	setupWorkspace(t)

	cmd, out := newTestCmd("")
	require.NoError(t, runToggle(cmd, []string{"off"}))
	assert.Equal(t, "Conversion disabled\n", out.String())

	enabled, err := openSettings(cfg).Enabled(cmdContext(cmd))
	require.NoError(t, err)
	assert.False(t, enabled)

	out.Reset()
	require.NoError(t, runToggle(cmd, nil))
	assert.Equal(t, "Converting currencies to sats!\n", out.String())

	assert.Error(t, runToggle(cmd, []string{"maybe"}))
}

func TestRenderStatus(t *testing.T) {
	price := 50000.0
	per := int64(2000)
	out := renderStatus(proxy.Status{Enabled: true, Price: &price, SatsPerDollar: &per})
	assert.Contains(t, out, "$50,000")
	assert.Contains(t, out, "2,000 sats")
	assert.Contains(t, out, "Converting currencies to sats!")
	assert.NotContains(t, out, "Upstream")

	out = renderStatus(proxy.Status{Upstream: "https://shop.example"})
	assert.Contains(t, out, "Price unavailable")
	assert.Contains(t, out, "Conversion disabled")
	assert.Contains(t, out, "shop.example")
}

func TestRemoteStatus(t *testing.T) {
	price := 42000.0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != proxy.ControlPrefix+"status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(proxy.Status{Enabled: true, Price: &price, Clients: 3})
	}))
	defer srv.Close()

	cmd, _ := newTestCmd("")
	st, err := remoteStatus(cmdContext(cmd), srv.URL+"/")
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	require.NotNil(t, st.Price)
	assert.Equal(t, price, *st.Price)
	assert.Equal(t, 3, st.Clients)
}

func TestServeRequiresUpstream(t *testing.T) {
	setupWorkspace(t)
	cfg.Proxy.Upstream = ""

	cmd, _ := newTestCmd("")
	err := runServe(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upstream")
}

func TestBrowserConfigFromSettings(t *testing.T) {
	c := config.DefaultConfig()
	c.Browser.Headless = false
	c.Browser.ViewportWidth = 800
	c.Browser.NavTimeout = "5s"
	c.Browser.ControlURL = "ws://127.0.0.1:9222"

	bc := browserConfig(c)
	assert.False(t, bc.Headless)
	assert.Equal(t, 800, bc.ViewportWidth)
	assert.Equal(t, 5000, bc.NavigationTimeoutMs)
	assert.Equal(t, "ws://127.0.0.1:9222", bc.DebuggerURL)
}

func TestBrowserWatchCommand(t *testing.T) {
	found, _, err := rootCmd.Find([]string{"browser", "watch"})
	require.NoError(t, err)
	assert.Equal(t, browserWatchCmd, found)
	assert.Error(t, found.Args(found, nil))

	poll := found.Flags().Lookup("poll")
	require.NotNil(t, poll)
	assert.Equal(t, "250ms", poll.DefValue)
}
