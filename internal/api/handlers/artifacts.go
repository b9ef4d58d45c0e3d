package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/validation"
)

// ArtifactRef is one downloadable artifact in a listing.
type ArtifactRef struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// ArtifactListing groups a build's artifacts by category with retrieval
// handles.
type ArtifactListing struct {
	BuildID   string                   `json:"buildId"`
	Total     int                      `json:"total"`
	Artifacts map[string][]ArtifactRef `json:"artifacts"`
}

// ListArtifacts handles GET /api/v1/builds/{id}/artifacts.
func (h *BuildHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}
	if job.Status != models.BuildStatusSuccess {
		WriteConflict(w, "Build did not finish successfully")
		return
	}

	set, err := h.scanner.Scan(r.Context(), job.OutputDir)
	if err != nil {
		h.logger.Error("artifact scan failed", "build_id", job.ID, "error", err)
		WriteInternalError(w, "Failed to scan build outputs")
		return
	}

	listing := &ArtifactListing{
		BuildID:   job.ID,
		Total:     set.Total(),
		Artifacts: make(map[string][]ArtifactRef),
	}
	for _, group := range []struct {
		category models.ArtifactCategory
		items    []models.Artifact
	}{
		{models.ArtifactBinary, set.Binaries},
		{models.ArtifactDescriptor, set.Descriptors},
		{models.ArtifactBindings, set.Bindings},
		{models.ArtifactCredential, set.Credentials},
	} {
		refs := make([]ArtifactRef, 0, len(group.items))
		for _, a := range group.items {
			refs = append(refs, ArtifactRef{
				Name: a.Name,
				Href: fmt.Sprintf("/api/v1/builds/%s/artifacts/%s/%s", job.ID, a.Category, a.Name),
			})
		}
		listing.Artifacts[string(group.category)] = refs
	}

	WriteJSON(w, http.StatusOK, listing)
}

// DownloadArtifact handles GET /api/v1/builds/{id}/artifacts/{category}/{name}.
func (h *BuildHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}
	if job.Status != models.BuildStatusSuccess {
		WriteConflict(w, "Build did not finish successfully")
		return
	}

	category := models.ArtifactCategory(chi.URLParam(r, "category"))
	name := chi.URLParam(r, "name")

	// Keypair files are delivered exactly once through the secrets claim
	// flow, never by plain download.
	if category == models.ArtifactCredential {
		WriteForbidden(w, "Credentials are claimed through the secrets endpoint")
		return
	}

	set, err := h.scanner.Scan(r.Context(), job.OutputDir)
	if err != nil {
		h.logger.Error("artifact scan failed", "build_id", job.ID, "error", err)
		WriteInternalError(w, "Failed to scan build outputs")
		return
	}

	var found *models.Artifact
	for _, a := range artifactsByCategory(set, category) {
		if a.Name == name {
			found = &a
			break
		}
	}
	if found == nil {
		WriteNotFound(w, "No such artifact")
		return
	}

	abs, _, err := validation.ResolveUnder(job.OutputDir, found.Path)
	if err != nil {
		h.logger.Error("artifact path escaped output root",
			"build_id", job.ID,
			"path", found.Path,
			"error", err,
		)
		WriteNotFound(w, "No such artifact")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", found.Name))
	http.ServeFile(w, r, abs)
}

// artifactsByCategory selects one category's slice from a set; unknown
// categories yield nil.
func artifactsByCategory(set *models.ArtifactSet, category models.ArtifactCategory) []models.Artifact {
	switch category {
	case models.ArtifactBinary:
		return set.Binaries
	case models.ArtifactDescriptor:
		return set.Descriptors
	case models.ArtifactBindings:
		return set.Bindings
	case models.ArtifactCredential:
		return set.Credentials
	}
	return nil
}
