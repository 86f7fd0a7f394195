package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/schaermu/reftrackd/internal/config"
	"github.com/schaermu/reftrackd/internal/snapshot"
)

// GitHubEvent holds the fields of push, create and delete payloads that
// decide which repositories to snapshot.
type GitHubEvent struct {
	Ref        string `json:"ref"`
	RefType    string `json:"ref_type"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Runner executes snapshot runs. *snapshot.Engine implements it.
type Runner interface {
	Run(ctx context.Context) (*snapshot.Report, error)
	RunRepos(ctx context.Context, ids []string) (*snapshot.Report, error)
}

// Server receives GitHub webhooks and runs snapshots of the affected
// repositories. It also runs full snapshots on a fixed interval.
type Server struct {
	logger *zap.Logger

	cfgMu  sync.RWMutex // guards cfg, runner and secret
	cfg    *config.Config
	runner Runner
	secret []byte

	syncMu      sync.Mutex // guards syncRunning and pending
	syncRunning bool       // whether a run is currently in progress
	pending     *request   // work requested while a run was in progress

	debounce *debouncer

	// OnReport is called after every run, e.g. to print a summary.
	OnReport func(*snapshot.Report)
}

// request describes the repositories a run should cover.
type request struct {
	all bool
	ids map[string]bool
}

func (r *request) merge(o *request) *request {
	if r == nil {
		return o
	}
	if o.all || r.all {
		return &request{all: true}
	}
	for id := range o.ids {
		r.ids[id] = true
	}
	return r
}

func (r *request) repoIDs() []string {
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// debouncer collects requests and hands them over after a quiet period
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	req      *request
	callback func(*request)
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, runner Runner, logger *zap.Logger) (*Server, error) {
	secret, err := readSecret(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		secret: secret,
	}
	s.debounce = &debouncer{
		delay: cfg.Serve.Debounce,
		callback: func(req *request) {
			s.performSync(context.Background(), req)
		},
	}
	return s, nil
}

func readSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", path)
	}
	return secret, nil
}

// Reload swaps in a new configuration and runner. Runs already in progress
// finish with the old ones.
func (s *Server) Reload(cfg *config.Config, runner Runner) error {
	secret, err := readSecret(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return err
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.runner = runner
	s.secret = secret
	s.cfgMu.Unlock()

	s.debounce.setDelay(cfg.Serve.Debounce)
	s.logger.Info("configuration reloaded", zap.Int("repos", len(cfg.Repos)))
	return nil
}

func (s *Server) current() (*config.Config, Runner, []byte) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg, s.runner, s.secret
}

// Start performs an initial full run and then serves webhooks on l until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context, l net.Listener) error {
	s.debounce.setCallback(func(req *request) {
		s.performSync(ctx, req)
	})

	s.logger.Info("performing initial snapshot before starting webhook server")
	s.performSync(ctx, &request{all: true})

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", zap.String("addr", l.Addr().String()))
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go s.runPeriodic(ctx)

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runPeriodic requests a full run every serve.interval. The interval is read
// again after each tick so reloads take effect; while it is zero the loop
// only polls for a new value.
func (s *Server) runPeriodic(ctx context.Context) {
	for {
		cfg, _, _ := s.current()
		interval := cfg.Serve.Interval
		if interval <= 0 {
			interval = time.Minute
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			s.logger.Info("periodic snapshot due", zap.Duration("interval", interval))
			s.performSync(ctx, &request{all: true})
		}
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", zap.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", zap.String("content_type", contentType))
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", zap.Error(err))
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	cfg, _, secret := s.current()

	if !verifySignature(secret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", zap.String("event", eventType), zap.String("delivery", r.Header.Get("X-GitHub-Delivery")))

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !isEventTypeAllowed(cfg, eventType) {
		s.logger.Info("ignoring disallowed event type", zap.String("event", eventType))
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for snapshots\n")
		return
	}

	var event GitHubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", zap.Error(err))
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	repos := cfg.ReposForGitHub(event.Repository.FullName)
	if len(repos) == 0 {
		s.logger.Info("ignoring event for untracked repository", zap.String("github", event.Repository.FullName))
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not tracked\n")
		return
	}

	req := &request{ids: make(map[string]bool, len(repos))}
	for _, repo := range repos {
		req.ids[repo.ID] = true
	}

	s.logger.Info("webhook accepted",
		zap.String("event", eventType),
		zap.String("ref", event.Ref),
		zap.String("ref_type", event.RefType),
		zap.String("commit", event.After),
		zap.String("github", event.Repository.FullName),
		zap.Strings("repos", req.repoIDs()))

	s.debounce.trigger(req)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Snapshot triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func verifySignature(secret, body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func isEventTypeAllowed(cfg *config.Config, eventType string) bool {
	if len(cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}
	for _, allowed := range cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// performSync executes a run with single-flight semantics. Requests arriving
// while a run is in progress are merged into one pending run, serviced as
// soon as the current one finishes.
func (s *Server) performSync(ctx context.Context, req *request) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.pending = s.pending.merge(req)
		s.syncMu.Unlock()
		s.logger.Info("snapshot already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.run(ctx, req)

		s.syncMu.Lock()
		if s.pending == nil || ctx.Err() != nil {
			s.pending = nil
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		req = s.pending
		s.pending = nil
		s.syncMu.Unlock()

		s.logger.Info("re-running snapshot due to pending request")
	}
}

func (s *Server) run(ctx context.Context, req *request) {
	_, runner, _ := s.current()

	var report *snapshot.Report
	var err error
	if req.all {
		s.logger.Info("performing snapshot of all repositories")
		report, err = runner.Run(ctx)
	} else {
		s.logger.Info("performing snapshot", zap.Strings("repos", req.repoIDs()))
		report, err = runner.RunRepos(ctx, req.repoIDs())
	}

	if err != nil {
		s.logger.Error("snapshot run failed", zap.Error(err))
	} else if failed := report.Failed(); len(failed) > 0 {
		s.logger.Warn("snapshot run finished with failures", zap.Int("failed", len(failed)))
	} else {
		s.logger.Info("snapshot run completed successfully")
	}
	if report != nil && s.OnReport != nil {
		s.OnReport(report)
	}
}

// trigger schedules the callback to run after the debounce delay with all
// requests collected until then
func (d *debouncer) trigger(req *request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.req = d.req.merge(req)

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		r := d.req
		d.req = nil
		d.mu.Unlock()

		if cb != nil && r != nil {
			cb(r)
		}
	})
}

func (d *debouncer) setCallback(cb func(*request)) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

func (d *debouncer) setDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.req = nil
}
