//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// reliefServer manages a running reliefsync server process.
type reliefServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	logFile *os.File
	env     []string
}

// startReliefSync launches the binary against a fresh data directory and
// waits for it to become healthy. It is configured entirely via environment
// variables. The probe targets an unroutable address so the server reports
// offline after its first scheduler tick.
func startReliefSync(t *testing.T, extraEnv ...string) *reliefServer {
	t.Helper()
	return startReliefSyncIn(t, t.TempDir(), extraEnv...)
}

func startReliefSyncIn(t *testing.T, dataDir string, extraEnv ...string) *reliefServer {
	t.Helper()

	if reliefsyncBin == "" {
		t.Skip("reliefsync binary not available (set RELIEFSYNC_BIN or add to PATH)")
	}

	port := freePort(t)
	s := &reliefServer{
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		apiKey:  "e2e-test-api-key",
	}
	s.env = append(os.Environ(),
		"RELIEFSYNC_PORT="+fmt.Sprint(port),
		"RELIEFSYNC_DB_PATH="+filepath.Join(dataDir, "reliefsync.db"),
		"RELIEFSYNC_SNAPSHOT_PATH="+filepath.Join(dataDir, "snapshots", "current.db"),
		"RELIEFSYNC_API_KEY="+s.apiKey,
		"RELIEFSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"RELIEFSYNC_DISPATCH_MODE=log",
		"RELIEFSYNC_LOG_LEVEL=debug",
	)
	s.env = append(s.env, extraEnv...)

	lf, err := os.OpenFile(filepath.Join(dataDir, "reliefsync.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	s.logFile = lf

	s.cmd = exec.Command(reliefsyncBin)
	s.cmd.Env = s.env
	s.cmd.Stdout = lf
	s.cmd.Stderr = lf
	if err := s.cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start reliefsync: %v", err)
	}

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("reliefsync not healthy: %v", err)
	}
	return s
}

// stop sends SIGINT and waits for a graceful exit.
func (s *reliefServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *reliefServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *reliefServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("reliefsync not healthy after %s", timeout)
}

// do sends an authenticated request as owner and decodes a JSON response
// into out when out is non-nil. It returns the status code.
func (s *reliefServer) do(t *testing.T, method, path, owner string, body any, headers map[string]string, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.baseURL()+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// cli runs a reliefsync subcommand against the server's database.
func (s *reliefServer) cli(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := exec.Command(reliefsyncBin, append(args, "--db", filepath.Join(s.dataDir, "reliefsync.db"))...)
	cmd.Env = s.env
	cmd.Stdin = bytes.NewBufferString(stdin)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("reliefsync %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
