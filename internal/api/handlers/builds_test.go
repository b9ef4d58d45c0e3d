package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/anvillabs/crucible/internal/api/middleware"
	"github.com/anvillabs/crucible/internal/artifacts"
	"github.com/anvillabs/crucible/internal/engine"
	"github.com/anvillabs/crucible/internal/guard"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEngine implements BuildEngine with canned responses.
type stubEngine struct {
	mu        sync.Mutex
	jobs      map[string]models.BuildJob
	submitted []engine.SubmitRequest
	submitErr error
	waitJob   models.BuildJob
	waitErr   error
	secrets   []models.SecretRecord
	claimErr  error
	cancelOK  bool
	claimed   []string
}

func newStubEngine() *stubEngine {
	return &stubEngine{jobs: make(map[string]models.BuildJob), cancelOK: true}
}

func (s *stubEngine) Submit(ctx context.Context, req engine.SubmitRequest) (models.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return models.BuildJob{}, s.submitErr
	}
	s.submitted = append(s.submitted, req)
	job := models.BuildJob{
		ID:            "build-1",
		Principal:     req.Principal,
		ProjectName:   req.ProjectName,
		Status:        models.BuildStatusReady,
		MaxIterations: 5,
		CreatedAt:     time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubEngine) Get(id string) (models.BuildJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *stubEngine) List() []models.BuildJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.BuildJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *stubEngine) Wait(ctx context.Context, id string) (models.BuildJob, error) {
	if s.waitErr != nil {
		return models.BuildJob{}, s.waitErr
	}
	return s.waitJob, nil
}

func (s *stubEngine) Cancel(id string) bool {
	return s.cancelOK
}

func (s *stubEngine) ClaimSecrets(id string) ([]models.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.claimed = append(s.claimed, id)
	return s.secrets, nil
}

// allowAll and denyAll are DiskGate stubs.
type gateStub bool

func (g gateStub) Allow() bool { return bool(g) }

// withPrincipal injects an authenticated principal the way the auth
// middleware would.
func withPrincipal(userID string, role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			ctx = context.WithValue(ctx, middleware.UserRoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// newBuildRouter mounts the build routes with a fixed principal.
func newBuildRouter(h *BuildHandler, userID string, role models.Role) http.Handler {
	r := chi.NewRouter()
	r.Use(withPrincipal(userID, role))
	r.Post("/builds", h.Submit)
	r.Get("/builds", h.List)
	r.Get("/builds/{id}", h.Get)
	r.Delete("/builds/{id}", h.Cancel)
	r.Get("/builds/{id}/artifacts", h.ListArtifacts)
	r.Get("/builds/{id}/artifacts/{category}/{name}", h.DownloadArtifact)
	r.Get("/builds/{id}/secrets", h.ClaimSecrets)
	return r
}

func newTestBuildHandler(eng BuildEngine, disk DiskGate) *BuildHandler {
	return NewBuildHandler(eng, artifacts.NewScanner(discardLogger()), disk, "", discardLogger())
}

// seedOutputDir plants a successful build's artifact tree.
func seedOutputDir(t *testing.T) string {
	t.Helper()
	out := t.TempDir()
	for rel, content := range map[string]string{
		"deploy/counter.so":           "\x7fELF binary",
		"deploy/counter-keypair.json": "[1,2,3]",
		"idl/counter.json":            `{"name":"counter"}`,
		"types/counter.ts":            "export type Counter = {}",
	} {
		full := filepath.Join(out, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func TestSubmitGitBuild(t *testing.T) {
	eng := newStubEngine()
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	body := `{"gitUrl":"https://github.com/acme/counter.git","ref":"main","subdir":"programs/counter"}`
	req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp BuildResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID == "" || resp.Status != models.BuildStatusReady {
		t.Errorf("unexpected snapshot: %+v", resp)
	}

	if len(eng.submitted) != 1 {
		t.Fatalf("submitted = %d requests, want 1", len(eng.submitted))
	}
	got := eng.submitted[0]
	if got.Principal != "user-1" {
		t.Errorf("principal = %q, want user-1", got.Principal)
	}
	if got.ProjectName != "counter" {
		t.Errorf("project name = %q, want counter (derived from URL)", got.ProjectName)
	}
	if got.WorkSubdir != "programs/counter" {
		t.Errorf("subdir = %q", got.WorkSubdir)
	}
	if _, ok := got.Source.(*source.GitFetcher); !ok {
		t.Errorf("source fetcher = %T, want *source.GitFetcher", got.Source)
	}
}

func TestSubmitArchiveBuild(t *testing.T) {
	eng := newStubEngine()
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("source", "counter.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("not a real archive, submit never reads it"))
	mw.WriteField("subdir", "programs/counter")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/builds", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	got := eng.submitted[0]
	if got.ProjectName != "counter" {
		t.Errorf("project name = %q, want counter (derived from filename)", got.ProjectName)
	}
	if _, ok := got.Source.(*source.ArchiveFetcher); !ok {
		t.Errorf("source fetcher = %T, want *source.ArchiveFetcher", got.Source)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing gitUrl", `{"ref":"main"}`},
		{"bad recipient", `{"gitUrl":"https://github.com/acme/x.git","ageRecipient":"ssh-rsa AAAA"}`},
		{"negative iterations", `{"gitUrl":"https://github.com/acme/x.git","maxIterations":-2}`},
		{"malformed json", `{"gitUrl":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newStubEngine()
			h := newTestBuildHandler(eng, nil)
			router := newBuildRouter(h, "user-1", models.RoleBuilder)

			req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			if len(eng.submitted) != 0 {
				t.Error("invalid request reached the engine")
			}
		})
	}
}

func TestSubmitGuardConflict(t *testing.T) {
	eng := newStubEngine()
	eng.submitErr = &guard.Conflict{ActiveBuildID: "other-build", StartedAt: time.Now()}
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodPost, "/builds",
		strings.NewReader(`{"gitUrl":"https://github.com/acme/x.git"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp struct {
		Code    string `json:"code"`
		Details struct {
			ActiveBuildID string `json:"activeBuildId"`
		} `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != ErrCodeConflict {
		t.Errorf("code = %q", resp.Code)
	}
	if resp.Details.ActiveBuildID != "other-build" {
		t.Errorf("activeBuildId = %q, want other-build", resp.Details.ActiveBuildID)
	}
}

func TestSubmitWhileShuttingDown(t *testing.T) {
	eng := newStubEngine()
	eng.submitErr = engine.ErrShuttingDown
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodPost, "/builds",
		strings.NewReader(`{"gitUrl":"https://github.com/acme/x.git"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSubmitDiskGate(t *testing.T) {
	eng := newStubEngine()
	h := newTestBuildHandler(eng, gateStub(false))
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodPost, "/builds",
		strings.NewReader(`{"gitUrl":"https://github.com/acme/x.git"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if len(eng.submitted) != 0 {
		t.Error("gated request reached the engine")
	}
}

func TestSubmitWaitEmbedsSecretsAndArtifacts(t *testing.T) {
	out := seedOutputDir(t)
	eng := newStubEngine()
	completed := time.Now().UTC()
	eng.waitJob = models.BuildJob{
		ID:          "build-1",
		Principal:   "user-1",
		Status:      models.BuildStatusSuccess,
		Iteration:   1,
		OutputDir:   out,
		Logs:        "Finished release",
		CompletedAt: &completed,
	}
	eng.secrets = []models.SecretRecord{{Name: "counter", PublicKey: "pubkey111"}}
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodPost, "/builds",
		strings.NewReader(`{"gitUrl":"https://github.com/acme/counter.git","wait":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp BuildResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.BuildStatusSuccess {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Logs == "" {
		t.Error("completion payload missing logs")
	}
	if resp.Artifacts == nil || len(resp.Artifacts.Binaries) != 1 {
		t.Errorf("artifacts = %+v, want one binary", resp.Artifacts)
	}
	if len(resp.Secrets) != 1 || resp.Secrets[0].Name != "counter" {
		t.Errorf("secrets = %+v", resp.Secrets)
	}
	if len(eng.claimed) != 1 {
		t.Error("wait response did not claim the secrets")
	}
}

func TestSubmitWaitFailedBuildOmitsSecrets(t *testing.T) {
	eng := newStubEngine()
	eng.waitJob = models.BuildJob{
		ID:        "build-1",
		Principal: "user-1",
		Status:    models.BuildStatusExhausted,
		Error:     "exhausted 5 repair iterations",
	}
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodPost, "/builds",
		strings.NewReader(`{"gitUrl":"https://github.com/acme/counter.git","wait":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp BuildResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.BuildStatusExhausted || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Secrets) != 0 || len(eng.claimed) != 0 {
		t.Error("failed build must not claim secrets")
	}
}

func TestGetBuildOwnership(t *testing.T) {
	eng := newStubEngine()
	eng.jobs["build-1"] = models.BuildJob{
		ID:        "build-1",
		Principal: "user-1",
		Status:    models.BuildStatusRunning,
		Logs:      "Compiling counter",
	}

	tests := []struct {
		name     string
		caller   string
		role     models.Role
		wantCode int
	}{
		{"owner sees the build", "user-1", models.RoleBuilder, http.StatusOK},
		{"other builder gets 404", "user-2", models.RoleBuilder, http.StatusNotFound},
		{"admin sees any build", "admin-1", models.RoleAdmin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestBuildHandler(eng, nil)
			router := newBuildRouter(h, tt.caller, tt.role)

			req := httptest.NewRequest(http.MethodGet, "/builds/build-1", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				var resp BuildResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatal(err)
				}
				if resp.Logs != "Compiling counter" {
					t.Errorf("logs = %q", resp.Logs)
				}
			}
		})
	}
}

func TestGetUnknownBuild(t *testing.T) {
	h := newTestBuildHandler(newStubEngine(), nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodGet, "/builds/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListBuildsFiltersByPrincipal(t *testing.T) {
	eng := newStubEngine()
	eng.jobs["a"] = models.BuildJob{ID: "a", Principal: "user-1", Status: models.BuildStatusRunning}
	eng.jobs["b"] = models.BuildJob{ID: "b", Principal: "user-2", Status: models.BuildStatusSuccess}

	decode := func(rec *httptest.ResponseRecorder) []BuildResponse {
		var resp struct {
			Builds []BuildResponse `json:"builds"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp.Builds
	}

	h := newTestBuildHandler(eng, nil)

	rec := httptest.NewRecorder()
	newBuildRouter(h, "user-1", models.RoleBuilder).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/builds", nil))
	if got := decode(rec); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("builder list = %+v, want only build a", got)
	}

	rec = httptest.NewRecorder()
	newBuildRouter(h, "admin-1", models.RoleAdmin).ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/builds", nil))
	if got := decode(rec); len(got) != 2 {
		t.Errorf("admin list = %d builds, want 2", len(got))
	}
}

func TestCancelBuild(t *testing.T) {
	eng := newStubEngine()
	eng.jobs["build-1"] = models.BuildJob{ID: "build-1", Principal: "user-1", Status: models.BuildStatusRunning}
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodDelete, "/builds/build-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	eng.cancelOK = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/builds/build-1", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("finished build cancel status = %d, want 409", rec.Code)
	}
}

func TestSubmitEngineValidationError(t *testing.T) {
	eng := newStubEngine()
	eng.submitErr = errors.New("plain failure")
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodPost, "/builds",
		strings.NewReader(`{"gitUrl":"https://github.com/acme/x.git"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestProjectNameDerivation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("derived project names are never empty", prop.ForAll(
		func(s string) bool {
			return repoProjectName(s) != "" && archiveProjectName(s) != ""
		},
		gen.AnyString(),
	))

	properties.Property("git URLs lose their .git suffix", prop.ForAll(
		func(name string) bool {
			url := "https://github.com/acme/" + name + ".git"
			return repoProjectName(url) == name
		},
		gen.RegexMatch(`^[a-z][a-z0-9-]{0,20}$`),
	))

	properties.Property("archive names lose their extension", prop.ForAll(
		func(name string) bool {
			return archiveProjectName(name+".tar.gz") == name &&
				archiveProjectName(name+".tgz") == name
		},
		gen.RegexMatch(`^[a-z][a-z0-9-]{0,20}$`),
	))

	properties.TestingRun(t)
}
