package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/purgectl/internal/config"
)

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "purgectl-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gocache dir: %v", err)
	}
	if err := os.MkdirAll(moduleCache, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gomodcache dir: %v", err)
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start server process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("server stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("server stderr:\n%s", errOut)
		}
	}
}

func (p *integrationProcess) logs() (string, string) {
	if p == nil {
		return "", ""
	}
	return p.stdout.String(), p.stderr.String()
}

func waitForEndpoint(t *testing.T, client httpDoer, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		require.NoError(t, err)
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			require.NoError(t, resp.Body.Close())
			if status < http.StatusInternalServerError {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

type banRecorder struct {
	*httptest.Server
	mu   sync.Mutex
	bans []string
	user string
}

func newBanRecorder(t *testing.T) *banRecorder {
	t.Helper()
	b := &banRecorder{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.user, _, _ = r.BasicAuth()
		if ban := r.URL.Query().Get("banExpression"); ban != "" {
			b.bans = append(b.bans, ban)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *banRecorder) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bans...)
}

func writeIntegrationConfig(t *testing.T, dir string, port int, provider string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))

	parsed, err := url.Parse(provider)
	require.NoError(t, err)
	host, providerPort, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)
	providerPortNum, err := strconv.Atoi(providerPort)
	require.NoError(t, err)

	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format": "text",
				"level":  "warn",
			},
			"settings": map[string]any{
				"backend": "leveldb",
				"leveldb": map[string]any{"path": filepath.Join(dir, "settings")},
			},
		},
		"purgers": map[string]any{
			"edge": map[string]any{
				"scheme":          "http",
				"hostname":        host,
				"port":            providerPortNum,
				"account":         "1",
				"application":     "2",
				"environmentName": "Production",
				"serviceName":     "varnish",
				"siteName":        "www.example.com",
				"username":        "operator",
				"passwordKey":     "section",
			},
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "integration-config.json")
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationInvalidate(t *testing.T) {
	if os.Getenv("PURGECTL_INTEGRATION") == "" {
		t.Skip("set PURGECTL_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	provider := newBanRecorder(t)
	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port, provider.URL)

	cfg, err := config.NewLoader("PURGECTL", configPath).Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, cfg.Purgers, "edge")

	process := startServerProcess(t, configPath, map[string]string{
		"PURGECTL_SERVER__LOGGING__LEVEL": "debug",
		"PURGECTL_SECRET_SECTION":         "hunter2",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/edge/types"), 45*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("path invalidation reaches provider", func(t *testing.T) {
		expect.POST("/edge/invalidate/wildcardpath").
			WithJSON(map[string]any{"expressions": []string{"/news/*"}}).
			Expect().
			Status(http.StatusOK).
			JSON().Object().Value("results").Array().Value(0).Object().
			Value("state").String().IsEqual("succeeded")

		require.Equal(t, []string{`req.url ~ "^/news/.*$" && req.http.host == "www.example.com"`}, provider.received())
	})

	t.Run("health reports provider reachable", func(t *testing.T) {
		expect.GET("/edge/healthz").
			Expect().
			Status(http.StatusOK).
			JSON().Object().Value("status").String().IsEqual("OK")
	})

	t.Run("time hint reflects timeouts", func(t *testing.T) {
		expect.GET("/edge/timehint").
			Expect().
			Status(http.StatusOK).
			JSON().Object().Value("seconds").Number().IsEqual(2)
	})

	if t.Failed() {
		stdout, stderr := process.logs()
		t.Logf("stdout:\n%s\nstderr:\n%s", strings.TrimSpace(stdout), strings.TrimSpace(stderr))
	}
}
