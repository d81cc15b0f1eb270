// Package integration provides a reusable test harness for end-to-end
// integration testing of the stageflow API. It starts a full HTTP server over
// real components, a selectable store backend and a test JWT issuer.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/capability"
	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/dependency"
	"github.com/pitabwire/stageflow/internal/events"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/progress"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/internal/template"
	"github.com/pitabwire/stageflow/internal/transport"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/model"
)

// TestHarness encapsulates a fully wired stageflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry  *definition.Registry
	Bus       *events.MemoryBus
	Tasks     store.TaskStore
	Projects  store.ProjectStore
	Engine    *workflow.Engine
	Listeners *workflow.Listeners
	Metrics   *observability.Metrics
	Redis     *miniredis.Miniredis
	DB        *sql.DB

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	sqlite         bool
	redis          bool
	rollbackMode   workflow.RollbackMode
	handlerTimeout time.Duration
	sink           notify.Sink
	breaker        *notify.Breaker
	policyFile     string
}

// WithSQLite stores tasks and projects in a SQLite file under t.TempDir.
func WithSQLite() HarnessOption {
	return func(c *harnessConfig) {
		c.sqlite = true
	}
}

// WithRedisIdempotency keeps idempotency records in an in-process Redis.
func WithRedisIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithRollbackMode sets how rollbacks treat stage history.
func WithRollbackMode(m workflow.RollbackMode) HarnessOption {
	return func(c *harnessConfig) {
		c.rollbackMode = m
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithNotificationSink routes notifications to sink through breaker.
func WithNotificationSink(sink notify.Sink, breaker *notify.Breaker) HarnessOption {
	return func(c *harnessConfig) {
		c.sink = sink
		c.breaker = breaker
	}
}

// WithPolicy enables role-based authorization from the YAML policy at path.
func WithPolicy(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// NewTestHarness creates and starts a full stageflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		rollbackMode:   workflow.RollbackAppend,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	ctx := context.Background()

	// Step 1: Load definitions.
	docs, err := definition.NewLoader().LoadDefaults()
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	h.Registry = definition.NewRegistry(docs)

	// Step 2: Build stores.
	readiness := map[string]observability.HealthChecker{}
	var tasks store.TaskStore
	if hc.sqlite {
		db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "stageflow.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		h.DB = db
		sqliteTasks := store.NewSQLiteTaskStore(db)
		readiness["store"] = sqliteTasks
		tasks = sqliteTasks
		h.Projects = store.NewSQLiteProjectStore(db)
	} else {
		tasks = store.NewMemoryTaskStore()
		h.Projects = store.NewMemoryProjectStore()
	}
	h.Bus = events.NewMemoryBus()
	h.Tasks = store.NewObservedTaskStore(tasks, h.Bus, zap.NewNop())

	var idem idempotency.Store = idempotency.NewMemoryStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		redisStore := idempotency.NewRedisStore(client)
		readiness["idempotency"] = redisStore
		idem = redisStore
	}

	// Step 3: Build the engine and its collaborators.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	var notifier notify.Notifier = notify.Noop{}
	if hc.sink != nil {
		notifier = notify.NewGuarded("test", hc.sink, hc.breaker, zap.NewNop(), h.Metrics.RecordNotification)
	}

	resolver := dependency.NewResolver(h.Tasks, dependency.WithNotifier(notifier), dependency.WithMetrics(h.Metrics))
	instantiator := template.NewInstantiator(h.Registry, h.Tasks, template.WithNotifier(notifier), template.WithMetrics(h.Metrics))
	calculator := progress.NewCalculator(h.Tasks, h.Projects, progress.WithNotifier(notifier), progress.WithMetrics(h.Metrics))
	h.Engine = workflow.NewEngine(h.Registry, h.Tasks, h.Projects, resolver, instantiator, calculator,
		workflow.WithNotifier(notifier),
		workflow.WithMetrics(h.Metrics),
		workflow.WithRollbackMode(hc.rollbackMode),
		workflow.WithChangeFeed(h.Bus),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	h.Listeners = workflow.NewListeners(bgCtx, h.Engine)

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"https://app.stageflow.dev"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
	}

	var caps *capability.Resolver
	if hc.policyFile != "" {
		evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
		if err != nil {
			t.Fatalf("loading policy: %v", err)
		}
		caps = capability.NewResolver(evaluator, time.Minute)
	}

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { n, _ := h.Registry.Stats(); return n > 0 },
			Dependencies:      readiness,
		},
		Engine:       h.Engine,
		Listeners:    h.Listeners,
		Resolver:     resolver,
		Instantiator: instantiator,
		Progress:     calculator,
		Definitions:  h.Registry,
		Tasks:        h.Tasks,
		Projects:     h.Projects,
		Idempotency:  idem,
		Capabilities: caps,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		h.Listeners.StopAll()
		bgCancel()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// Do performs a request with explicit headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// Eventually polls cond until it holds or two seconds pass.
func (h *TestHarness) Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// --- API helpers ---

// CreateProject creates a project and returns it.
func (h *TestHarness) CreateProject(t *testing.T, token string, body map[string]any) model.Project {
	t.Helper()
	var p model.Project
	h.AssertJSON(t, h.POST("/api/projects", body, token), http.StatusCreated, &p)
	return p
}

// GetProject loads a project.
func (h *TestHarness) GetProject(t *testing.T, token, projectID string) model.Project {
	t.Helper()
	var p model.Project
	h.AssertJSON(t, h.GET("/api/projects/"+projectID, token), http.StatusOK, &p)
	return p
}

// CreateTask creates a task in a project and returns it.
func (h *TestHarness) CreateTask(t *testing.T, token, projectID string, body map[string]any) model.Task {
	t.Helper()
	var task model.Task
	h.AssertJSON(t, h.POST("/api/projects/"+projectID+"/tasks", body, token), http.StatusCreated, &task)
	return task
}

// CompleteTask marks a task completed.
func (h *TestHarness) CompleteTask(t *testing.T, token, taskID string) model.Task {
	t.Helper()
	var task model.Task
	h.AssertJSON(t, h.PATCH("/api/tasks/"+taskID, map[string]any{"status": "completed"}, token), http.StatusOK, &task)
	return task
}

// StageTasks lists the tasks of a stage keyed by title.
func (h *TestHarness) StageTasks(t *testing.T, token, projectID string, stage model.PipelineStage) map[string]model.Task {
	t.Helper()
	var listed struct {
		Tasks []model.Task `json:"tasks"`
	}
	h.AssertJSON(t, h.GET(fmt.Sprintf("/api/projects/%s/tasks?stage=%s", projectID, stage), token), http.StatusOK, &listed)
	byTitle := make(map[string]model.Task, len(listed.Tasks))
	for _, task := range listed.Tasks {
		byTitle[task.Title] = task
	}
	return byTitle
}

// Transition requests a stage transition and returns the status and result.
func (h *TestHarness) Transition(t *testing.T, token, projectID string, to model.PipelineStage, force bool) (int, model.TransitionResult) {
	t.Helper()
	resp := h.POST("/api/projects/"+projectID+"/transitions", map[string]any{"toStage": to, "force": force}, token)
	var result model.TransitionResult
	status := resp.StatusCode
	h.ParseJSON(resp, &result)
	return status, result
}

// --- Default test claims ---

// EditorClaims returns TestClaims for an editor in the acme organization.
func EditorClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-editor",
		OrganizationID: "acme",
		Email:          "editor@acme.test",
		Roles:          []string{"editor"},
	}
}

// OtherOrgClaims returns TestClaims for a user in a different organization.
func OtherOrgClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-globex",
		OrganizationID: "globex",
		Email:          "editor@globex.test",
		Roles:          []string{"editor"},
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
