// Package e2e exercises the whole service: the real engine, broker, and
// HTTP API wired together, with only the sandbox runner and the repair
// advisor replaced by scripted fakes.
package e2e

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
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

	"github.com/anvillabs/crucible/internal/advisor"
	"github.com/anvillabs/crucible/internal/api"
	"github.com/anvillabs/crucible/internal/artifacts"
	"github.com/anvillabs/crucible/internal/auth"
	"github.com/anvillabs/crucible/internal/engine"
	"github.com/anvillabs/crucible/internal/events"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/sandbox"
	"github.com/anvillabs/crucible/internal/store"
	"github.com/anvillabs/crucible/pkg/config"
)

// RunStep scripts one sandbox invocation.
type RunStep struct {
	// ExitCode is what the fake compiler exits with.
	ExitCode int
	// Log is streamed line by line and returned as the combined log.
	Log string
	// WriteArtifacts plants a conventional Anchor output tree in the
	// run's output root before returning.
	WriteArtifacts bool
	// Block, when non-nil, delays the run until the channel closes.
	Block chan struct{}
}

// ScriptedRunner replays queued steps. With no steps queued every run
// succeeds and writes artifacts.
type ScriptedRunner struct {
	mu    sync.Mutex
	steps []RunStep
	calls int
}

// Queue appends steps to replay in order.
func (r *ScriptedRunner) Queue(steps ...RunStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, steps...)
}

// Calls reports how many runs happened.
func (r *ScriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *ScriptedRunner) Run(ctx context.Context, spec sandbox.RunSpec, onLine func(string)) (*sandbox.RunResult, error) {
	r.mu.Lock()
	step := RunStep{WriteArtifacts: true, Log: "Compiling counter v0.1.0\nFinished release target"}
	if len(r.steps) > 0 {
		step = r.steps[0]
		r.steps = r.steps[1:]
	}
	r.calls++
	r.mu.Unlock()

	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step.WriteArtifacts {
		if err := writeBuildOutputs(spec.OutputRoot); err != nil {
			return nil, err
		}
	}
	if onLine != nil {
		for _, line := range strings.Split(step.Log, "\n") {
			if line != "" {
				onLine(line)
			}
		}
	}

	return &sandbox.RunResult{
		ExitCode:    step.ExitCode,
		CombinedLog: step.Log,
		OutputRoot:  spec.OutputRoot,
		Duration:    5 * time.Millisecond,
	}, nil
}

// ScriptedProposer replays queued advisor replies. With nothing queued
// every consultation comes back unparsed, which lets the build proceed.
type ScriptedProposer struct {
	mu      sync.Mutex
	replies []advisor.ParseResult
	calls   int
}

// QueueReply appends replies to replay in order.
func (p *ScriptedProposer) QueueReply(replies ...advisor.ParseResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, replies...)
}

// Calls reports how many consultations happened.
func (p *ScriptedProposer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedProposer) Propose(ctx context.Context, req advisor.Request) (advisor.ParseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.replies) == 0 {
		return advisor.ParseResult{Raw: "no structured reply"}, nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return reply, nil
}

// writeBuildOutputs plants the conventional Anchor output layout: a program
// binary and its keypair under deploy/, an IDL, and TypeScript bindings.
func writeBuildOutputs(outputRoot string) error {
	files := map[string][]byte{
		"deploy/counter.so":           []byte("\x7fELF fake program binary"),
		"deploy/counter-keypair.json": KeypairJSON(),
		"idl/counter.json":            []byte(`{"name":"counter","instructions":[]}`),
		"types/counter.ts":            []byte("export type Counter = {};\n"),
	}
	for rel, content := range files {
		abs := filepath.Join(outputRoot, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// KeypairJSON returns a valid program keypair in the JSON byte-array
// format: a fixed seed followed by its derived public key.
func KeypairJSON() []byte {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	vals := make([]int, len(priv))
	for i, b := range priv {
		vals[i] = int(b)
	}
	data, err := json.Marshal(vals)
	if err != nil {
		panic(err)
	}
	return data
}

// memStore satisfies the store interfaces for flows that never touch
// persistence. Tokens are minted directly, so no lookup ever runs.
type memStore struct{}

func (memStore) Users() store.UserStore     { return memUsers{} }
func (memStore) APIKeys() store.APIKeyStore { return memKeys{} }
func (memStore) Ping(context.Context) error { return nil }
func (memStore) Close() error               { return nil }

type memUsers struct{}

func (memUsers) Create(context.Context, string, string, models.Role) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (memUsers) GetByEmail(context.Context, string) (*models.User, error) { return nil, nil }
func (memUsers) GetByID(context.Context, string) (*models.User, error)    { return nil, nil }
func (memUsers) Authenticate(context.Context, string, string) (*models.User, error) {
	return nil, store.ErrInvalidCredentials
}
func (memUsers) List(context.Context) ([]*models.User, error)          { return nil, nil }
func (memUsers) Delete(context.Context, string) error                  { return store.ErrNotFound }
func (memUsers) CountByRole(context.Context, models.Role) (int, error) { return 0, nil }

type memKeys struct{}

func (memKeys) Create(context.Context, *models.APIKey) error { return nil }
func (memKeys) GetByHash(context.Context, string) (*models.APIKey, error) {
	return nil, store.ErrNotFound
}
func (memKeys) ListByUser(context.Context, string) ([]*models.APIKey, error) { return nil, nil }
func (memKeys) Delete(context.Context, string) error                         { return store.ErrNotFound }
func (memKeys) TouchLastUsed(context.Context, string, time.Time) error       { return nil }

// Env is one running service instance under test.
type Env struct {
	TS       *httptest.Server
	Engine   *engine.Engine
	Runner   *ScriptedRunner
	Proposer *ScriptedProposer
	Broker   *events.Broker

	// Token authenticates as a builder, AdminToken as an admin.
	Token      string
	AdminToken string

	client *http.Client
}

// NewEnv wires a complete service around scripted sandbox and advisor
// fakes and serves it over a test listener.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &ScriptedRunner{}
	proposer := &ScriptedProposer{}
	broker := events.NewBroker(logger)

	eng, err := engine.New(engine.Config{
		WorkspaceRoot:       t.TempDir(),
		MaxIterations:       3,
		FixPause:            time.Millisecond,
		SandboxTimeout:      time.Minute,
		MaxConcurrentBuilds: 2,
	}, engine.Deps{
		Runner:   runner,
		Proposer: proposer,
		Events:   broker,
	}, logger)
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	secret := "e2e-secret-0123456789abcdefghijklmnop"
	svc := auth.NewService(&auth.Config{
		JWTSecret:   []byte(secret),
		TokenExpiry: time.Hour,
	}, nil, logger)

	cfg := &config.Config{
		JWTSecret:    secret,
		JWTExpiry:    time.Hour,
		APIKeyHeader: "X-API-Key",
	}
	server := api.NewServer(cfg, api.Deps{
		Engine:  eng,
		Store:   memStore{},
		Auth:    svc,
		Broker:  broker,
		Scanner: artifacts.NewScanner(logger),
		Drainer: eng,
	}, logger)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	token, err := svc.GenerateToken("user-e2e", "builder@e2e.test", models.RoleBuilder)
	if err != nil {
		t.Fatalf("minting builder token: %v", err)
	}
	adminToken, err := svc.GenerateToken("admin-e2e", "admin@e2e.test", models.RoleAdmin)
	if err != nil {
		t.Fatalf("minting admin token: %v", err)
	}

	return &Env{
		TS:         ts,
		Engine:     eng,
		Runner:     runner,
		Proposer:   proposer,
		Broker:     broker,
		Token:      token,
		AdminToken: adminToken,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// DefaultProject is a minimal Anchor workspace.
func DefaultProject() map[string]string {
	return map[string]string{
		"Anchor.toml":                 "[programs.localnet]\ncounter = \"BPFLoaderUpgradeab1e11111111111111111111111\"\n",
		"Cargo.toml":                  "[workspace]\nmembers = [\"programs/*\"]\n",
		"programs/counter/Cargo.toml": "[package]\nname = \"counter\"\nversion = \"0.1.0\"\n",
		"programs/counter/src/lib.rs": "use anchor_lang::prelude::*;\n\n#[program]\npub mod counter {}\n",
	}
}

// SubmitArchive uploads files as a tar.gz build submission with the given
// form fields and returns the raw response.
func (env *Env) SubmitArchive(t *testing.T, files map[string]string, fields map[string]string) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("source", "counter.tar.gz")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write(tarGz(t, files)); err != nil {
		t.Fatalf("writing archive: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("writing field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, env.TS.URL+"/api/v1/builds", &body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.Token)

	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("submitting build: %v", err)
	}
	return resp
}

// Do performs an authenticated request against the service.
func (env *Env) Do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, env.TS.URL+path, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// DecodeJSON reads and closes the body into out.
func DecodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

// WaitForStatus polls the build until it reaches one of the wanted
// statuses or the deadline passes.
func (env *Env) WaitForStatus(t *testing.T, id string, want ...models.BuildStatus) models.BuildJob {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := env.Engine.Get(id)
		if ok {
			for _, status := range want {
				if job.Status == status {
					return job
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := env.Engine.Get(id)
	t.Fatalf("build %s stuck in %s, wanted one of %v", id, job.Status, want)
	return models.BuildJob{}
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for path, content := range files {
		hdr := &tar.Header{
			Name: path,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header %s: %v", path, err)
		}
		if _, err := io.WriteString(tw, content); err != nil {
			t.Fatalf("writing tar entry %s: %v", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %v", err)
	}
	return buf.Bytes()
}

// fixReply builds a parsed advisor reply proposing the given file edits.
func fixReply(reasoning string, fixes ...models.FixProposal) advisor.ParseResult {
	return advisor.ParseResult{
		Parsed: true,
		Response: advisor.Response{
			Reasoning: reasoning,
			Fixes:     fixes,
		},
		Raw: fmt.Sprintf("{\"reasoning\":%q}", reasoning),
	}
}

// cannotFixReply builds a parsed advisor reply that declines the build.
func cannotFixReply(reasoning string) advisor.ParseResult {
	return advisor.ParseResult{
		Parsed: true,
		Response: advisor.Response{
			Reasoning: reasoning,
			CannotFix: true,
		},
		Raw: fmt.Sprintf("{\"cannotFix\":true,\"reasoning\":%q}", reasoning),
	}
}
