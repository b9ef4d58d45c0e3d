package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anvillabs/crucible/internal/models"
)

func successfulJob(out string) models.BuildJob {
	return models.BuildJob{
		ID:        "build-1",
		Principal: "user-1",
		Status:    models.BuildStatusSuccess,
		OutputDir: out,
	}
}

func TestListArtifacts(t *testing.T) {
	out := seedOutputDir(t)
	eng := newStubEngine()
	eng.jobs["build-1"] = successfulJob(out)
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodGet, "/builds/build-1/artifacts", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var listing ArtifactListing
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	if listing.Total != 4 {
		t.Errorf("total = %d, want 4", listing.Total)
	}
	binaries := listing.Artifacts["binary"]
	if len(binaries) != 1 || binaries[0].Name != "counter.so" {
		t.Fatalf("binaries = %+v", binaries)
	}
	wantHref := "/api/v1/builds/build-1/artifacts/binary/counter.so"
	if binaries[0].Href != wantHref {
		t.Errorf("href = %q, want %q", binaries[0].Href, wantHref)
	}
	if len(listing.Artifacts["credential"]) != 1 {
		t.Errorf("credentials = %+v", listing.Artifacts["credential"])
	}
}

func TestListArtifactsRequiresSuccess(t *testing.T) {
	eng := newStubEngine()
	eng.jobs["build-1"] = models.BuildJob{
		ID:        "build-1",
		Principal: "user-1",
		Status:    models.BuildStatusRunning,
	}
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodGet, "/builds/build-1/artifacts", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestDownloadArtifact(t *testing.T) {
	out := seedOutputDir(t)
	eng := newStubEngine()
	eng.jobs["build-1"] = successfulJob(out)
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodGet, "/builds/build-1/artifacts/binary/counter.so", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "counter.so") {
		t.Errorf("Content-Disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(rec.Body.String(), "ELF") {
		t.Errorf("body = %q, want binary content", rec.Body.String())
	}
}

func TestDownloadCredentialForbidden(t *testing.T) {
	out := seedOutputDir(t)
	eng := newStubEngine()
	eng.jobs["build-1"] = successfulJob(out)
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodGet,
		"/builds/build-1/artifacts/credential/counter-keypair.json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "[1,2,3]") {
		t.Error("keypair bytes leaked through the download endpoint")
	}
}

func TestDownloadUnknownArtifact(t *testing.T) {
	out := seedOutputDir(t)
	eng := newStubEngine()
	eng.jobs["build-1"] = successfulJob(out)
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "user-1", models.RoleBuilder)

	for _, target := range []string{
		"/builds/build-1/artifacts/binary/missing.so",
		"/builds/build-1/artifacts/nonsense/counter.so",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", target, rec.Code)
		}
	}
}

func TestDownloadArtifactForeignBuildMasked(t *testing.T) {
	out := seedOutputDir(t)
	eng := newStubEngine()
	eng.jobs["build-1"] = successfulJob(out)
	h := newTestBuildHandler(eng, nil)
	router := newBuildRouter(h, "someone-else", models.RoleBuilder)

	req := httptest.NewRequest(http.MethodGet, "/builds/build-1/artifacts/binary/counter.so", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
