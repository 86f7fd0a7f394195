package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schaermu/reftrackd/internal/config"
	"github.com/schaermu/reftrackd/internal/snapshot"
)

const testSecret = "test-secret-key"

// mockRunner records runs; a nil entry in calls is a full run.
type mockRunner struct {
	mu    sync.Mutex
	calls [][]string

	// When set, the first run blocks until proceed is closed.
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *mockRunner) record(ids []string) *snapshot.Report {
	if m.started != nil {
		m.once.Do(func() {
			close(m.started)
			<-m.proceed
		})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, ids)
	return &snapshot.Report{RunID: "test"}
}

func (m *mockRunner) Run(_ context.Context) (*snapshot.Report, error) {
	return m.record(nil), nil
}

func (m *mockRunner) RunRepos(_ context.Context, ids []string) (*snapshot.Report, error) {
	return m.record(ids), nil
}

func (m *mockRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	tmpDir := t.TempDir()
	secretPath := filepath.Join(tmpDir, "webhook_secret")
	if err := os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	return &config.Config{
		Tracking: config.TrackingConfig{Dir: filepath.Join(tmpDir, "tracking")},
		Repos: []config.RepoConfig{
			{ID: "zm-mailbox", URL: "https://github.com/Zimbra/zm-mailbox.git", GitHub: "Zimbra/zm-mailbox"},
			{ID: "zm-mailbox-fork", URL: "https://example.com/fork.git", GitHub: "zimbra/zm-mailbox"},
			{ID: "zm-web-client", URL: "https://github.com/Zimbra/zm-web-client.git", GitHub: "Zimbra/zm-web-client"},
		},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push", "create", "delete"},
			Debounce:                10 * time.Millisecond,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *mockRunner) {
	t.Helper()
	runner := &mockRunner{}
	server, err := NewServer(setupTestConfig(t), runner, zap.NewNop())
	require.NoError(t, err)
	return server, runner
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(event string, body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	return req
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t)
	assert.Equal(t, []byte(testSecret), server.secret, "secret must be trimmed")
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "missing")
	_, err := NewServer(cfg, &mockRunner{}, zap.NewNop())
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0600))
	cfg.Serve.GitHubWebhookSecretFile = empty
	_, err = NewServer(cfg, &mockRunner{}, zap.NewNop())
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid signature", signature: computeSignature(body, testSecret), want: true},
		{name: "wrong secret", signature: computeSignature(body, "other"), want: false},
		{name: "missing prefix", signature: computeSignature(body, testSecret)[len("sha256="):], want: false},
		{name: "empty", signature: "", want: false},
		{name: "garbage", signature: "sha256=zz", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verifySignature([]byte(testSecret), body, tt.signature))
		})
	}
}

func TestIsEventTypeAllowed(t *testing.T) {
	cfg := &config.Config{Serve: config.ServeConfig{AllowedEventTypes: []string{"push", "create"}}}
	assert.True(t, isEventTypeAllowed(cfg, "push"))
	assert.True(t, isEventTypeAllowed(cfg, "create"))
	assert.False(t, isEventTypeAllowed(cfg, "issues"))

	assert.True(t, isEventTypeAllowed(&config.Config{}, "anything"), "no filter allows everything")
}

func TestHandleWebhook_ValidRequest(t *testing.T) {
	server, runner := newTestServer(t)

	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"Zimbra/zm-mailbox"}}`)
	rec := httptest.NewRecorder()
	server.handleWebhook(rec, webhookRequest("push", body, testSecret))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(runner.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zm-mailbox", "zm-mailbox-fork"}, runner.Calls()[0])
}

func TestHandleWebhook_Rejections(t *testing.T) {
	valid := []byte(`{"repository":{"full_name":"Zimbra/zm-mailbox"}}`)

	tests := []struct {
		name     string
		request  func() *http.Request
		wantCode int
	}{
		{
			name:     "invalid method",
			request:  func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			request: func() *http.Request {
				req := webhookRequest("push", valid, testSecret)
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid signature",
			request:  func() *http.Request { return webhookRequest("push", valid, "wrong") },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "invalid payload",
			request:  func() *http.Request { return webhookRequest("push", []byte("{"), testSecret) },
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "disallowed event",
			request:  func() *http.Request { return webhookRequest("issues", valid, testSecret) },
			wantCode: http.StatusOK,
		},
		{
			name:     "ping",
			request:  func() *http.Request { return webhookRequest("ping", []byte(`{"zen":"hi"}`), testSecret) },
			wantCode: http.StatusOK,
		},
		{
			name: "untracked repository",
			request: func() *http.Request {
				return webhookRequest("push", []byte(`{"repository":{"full_name":"other/repo"}}`), testSecret)
			},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, runner := newTestServer(t)
			rec := httptest.NewRecorder()
			server.handleWebhook(rec, tt.request())

			assert.Equal(t, tt.wantCode, rec.Code)
			time.Sleep(50 * time.Millisecond)
			assert.Empty(t, runner.Calls(), "no snapshot may be triggered")
		})
	}
}

func TestDebouncer_MergesRequests(t *testing.T) {
	var mu sync.Mutex
	var got []*request
	d := &debouncer{
		delay: 50 * time.Millisecond,
		callback: func(r *request) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		},
	}

	for _, id := range []string{"a", "b", "a", "c"} {
		d.trigger(&request{ids: map[string]bool{id: true}})
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a", "b", "c"}, got[0].repoIDs())
}

func TestRequestMerge(t *testing.T) {
	var r *request
	r = r.merge(&request{ids: map[string]bool{"a": true}})
	r = r.merge(&request{ids: map[string]bool{"b": true}})
	assert.Equal(t, []string{"a", "b"}, r.repoIDs())

	r = r.merge(&request{all: true})
	assert.True(t, r.all)

	r = r.merge(&request{ids: map[string]bool{"c": true}})
	assert.True(t, r.all, "a full run absorbs later requests")
}

// TestPerformSync_SingleFlight verifies that at most one run is in flight and
// that requests arriving meanwhile are merged into a single follow-up run.
func TestPerformSync_SingleFlight(t *testing.T) {
	server, _ := newTestServer(t)
	runner := &mockRunner{started: make(chan struct{}), proceed: make(chan struct{})}
	server.runner = runner

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performSync(ctx, &request{ids: map[string]bool{"zm-mailbox": true}})
	}()
	<-runner.started

	var wg sync.WaitGroup
	for _, id := range []string{"zm-web-client", "zm-mailbox-fork", "zm-web-client"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performSync(ctx, &request{ids: map[string]bool{id: true}})
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.pending
	server.syncMu.Unlock()
	require.NotNil(t, pending)
	assert.Equal(t, []string{"zm-mailbox-fork", "zm-web-client"}, pending.repoIDs())

	close(runner.proceed)
	<-done

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"zm-mailbox"}, calls[0])
	assert.Equal(t, []string{"zm-mailbox-fork", "zm-web-client"}, calls[1])

	server.syncMu.Lock()
	defer server.syncMu.Unlock()
	assert.False(t, server.syncRunning)
	assert.Nil(t, server.pending)
}

func TestStart_PerformsInitialSync(t *testing.T) {
	server, runner := newTestServer(t)
	var reports atomic.Int32
	server.OnReport = func(*snapshot.Report) { reports.Add(1) }

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx, l) }()

	require.Eventually(t, func() bool { return len(runner.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, runner.Calls()[0], "initial run covers all repositories")

	body := []byte(`{"repository":{"full_name":"Zimbra/zm-web-client"}}`)
	req, err := http.NewRequest(http.MethodPost, "http://"+l.Addr().String()+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "create")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, testSecret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return len(runner.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zm-web-client"}, runner.Calls()[1])

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Eventually(t, func() bool { return reports.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPeriodicRuns(t *testing.T) {
	server, runner := newTestServer(t)
	server.cfg.Serve.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.runPeriodic(ctx)

	require.Eventually(t, func() bool { return len(runner.Calls()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	for _, c := range runner.Calls() {
		assert.Nil(t, c)
	}
}

func TestReload(t *testing.T) {
	server, _ := newTestServer(t)

	cfg := setupTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.Serve.GitHubWebhookSecretFile, []byte("rotated"), 0600))
	cfg.Repos = cfg.Repos[:1]
	newRunner := &mockRunner{}
	require.NoError(t, server.Reload(cfg, newRunner))

	body := []byte(`{"repository":{"full_name":"Zimbra/zm-mailbox"}}`)
	rec := httptest.NewRecorder()
	server.handleWebhook(rec, webhookRequest("push", body, testSecret))
	assert.Equal(t, http.StatusForbidden, rec.Code, "old secret must be rejected")

	rec = httptest.NewRecorder()
	server.handleWebhook(rec, webhookRequest("push", body, "rotated"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool { return len(newRunner.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"zm-mailbox"}, newRunner.Calls()[0])

	cfg.Serve.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "missing")
	assert.Error(t, server.Reload(cfg, newRunner))
}
