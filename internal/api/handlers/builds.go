// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anvillabs/crucible/internal/api/middleware"
	"github.com/anvillabs/crucible/internal/artifacts"
	"github.com/anvillabs/crucible/internal/engine"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/source"
	"github.com/anvillabs/crucible/internal/validation"
)

// defaultMaxUpload caps multipart archive uploads.
const defaultMaxUpload = 512 << 20

// BuildEngine is the slice of the engine the build handlers drive.
type BuildEngine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (models.BuildJob, error)
	Get(id string) (models.BuildJob, bool)
	List() []models.BuildJob
	Wait(ctx context.Context, id string) (models.BuildJob, error)
	Cancel(id string) bool
	ClaimSecrets(id string) ([]models.SecretRecord, error)
}

// DiskGate refuses new admissions when the workspace disk is too full.
type DiskGate interface {
	Allow() bool
}

// BuildHandler handles build submission, status, and cancellation.
type BuildHandler struct {
	engine    BuildEngine
	scanner   *artifacts.Scanner
	disk      DiskGate
	gitToken  string
	maxUpload int64
	logger    *slog.Logger
}

// NewBuildHandler creates a new build handler. disk may be nil to skip
// admission gating; gitToken authenticates clones of private repositories.
func NewBuildHandler(eng BuildEngine, scanner *artifacts.Scanner, disk DiskGate, gitToken string, logger *slog.Logger) *BuildHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildHandler{
		engine:    eng,
		scanner:   scanner,
		disk:      disk,
		gitToken:  gitToken,
		maxUpload: defaultMaxUpload,
		logger:    logger,
	}
}

// BuildResponse is the wire shape of one build job.
type BuildResponse struct {
	ID              string                `json:"id"`
	ProjectName     string                `json:"projectName,omitempty"`
	Status          models.BuildStatus    `json:"status"`
	Phase           models.Phase          `json:"phase,omitempty"`
	Iteration       int                   `json:"iteration"`
	MaxIterations   int                   `json:"maxIterations"`
	Logs            string                `json:"logs,omitempty"`
	Error           string                `json:"error,omitempty"`
	ErrorLines      []string              `json:"errorLines,omitempty"`
	CannotFixReason string                `json:"cannotFixReason,omitempty"`
	Phases          []models.PhaseRecord  `json:"phases,omitempty"`
	Artifacts       *models.ArtifactSet   `json:"artifacts,omitempty"`
	Secrets         []models.SecretRecord `json:"secrets,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	CompletedAt     *time.Time            `json:"completedAt,omitempty"`
}

// buildResponse renders a job snapshot. The logs flag keeps list
// responses small.
func buildResponse(job models.BuildJob, includeLogs bool) *BuildResponse {
	resp := &BuildResponse{
		ID:              job.ID,
		ProjectName:     job.ProjectName,
		Status:          job.Status,
		Phase:           job.Phase,
		Iteration:       job.Iteration,
		MaxIterations:   job.MaxIterations,
		Error:           job.Error,
		ErrorLines:      job.ErrorLines,
		CannotFixReason: job.CannotFixWhy,
		Phases:          job.Phases,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
	if includeLogs {
		resp.Logs = job.Logs
	}
	return resp
}

// Submit handles POST /api/v1/builds. The body is either JSON naming a
// git source or a multipart tar.gz upload in the "source" field. With
// wait=true the response is the completed build, secrets embedded.
func (h *BuildHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.disk != nil && !h.disk.Allow() {
		WriteUnavailable(w, "Workspace disk is above the high-water mark, try again later")
		return
	}

	principal := middleware.GetUserID(r.Context())
	if principal == "" {
		WriteUnauthorized(w, "Authentication required")
		return
	}

	var (
		req     SubmitBuildRequest
		fetcher engine.SourceFetcher
	)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			WriteBadRequest(w, "Invalid multipart upload: "+err.Error())
			return
		}
		file, header, err := r.FormFile("source")
		if err != nil {
			WriteBadRequest(w, `Multipart submissions need a "source" archive field`)
			return
		}
		defer file.Close()

		req = SubmitBuildRequest{
			Subdir:       r.FormValue("subdir"),
			ProjectName:  r.FormValue("projectName"),
			AgeRecipient: r.FormValue("ageRecipient"),
			Wait:         r.FormValue("wait") == "true",
		}
		if v := r.FormValue("maxIterations"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				WriteBadRequest(w, "maxIterations must be an integer")
				return
			}
			req.MaxIterations = n
		}
		if req.ProjectName == "" {
			req.ProjectName = archiveProjectName(header.Filename)
		}
		fetcher = source.NewArchiveFetcher(file, h.logger)
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "Invalid request body: "+err.Error())
			return
		}
		if apiErr := validateRequest(&req); apiErr != nil {
			WriteJSON(w, http.StatusBadRequest, apiErr)
			return
		}
		if err := validation.ValidateGitURL(req.GitURL); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		if err := validation.ValidateGitRef(req.Ref); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
		if req.ProjectName == "" {
			req.ProjectName = repoProjectName(req.GitURL)
		}
		gf := source.NewGitFetcher(req.GitURL, req.Ref, h.logger)
		gf.Depth = req.Depth
		gf.Token = h.gitToken
		fetcher = gf
	}

	if err := validation.ValidateSubdir(req.Subdir); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := validation.ValidateAgeRecipient(req.AgeRecipient); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	job, err := h.engine.Submit(r.Context(), engine.SubmitRequest{
		Principal:     principal,
		ProjectName:   req.ProjectName,
		Source:        fetcher,
		WorkSubdir:    req.Subdir,
		AgeRecipient:  req.AgeRecipient,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	h.logger.Info("build submitted",
		"build_id", job.ID,
		"principal", principal,
		"project", job.ProjectName,
		"wait", req.Wait,
	)

	if !req.Wait {
		WriteJSON(w, http.StatusAccepted, buildResponse(job, false))
		return
	}

	done, err := h.engine.Wait(r.Context(), job.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away; the build keeps running and stays
			// reachable through the async endpoints.
			return
		}
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.completionResponse(r.Context(), done))
}

// completionResponse assembles the synchronous build payload: the final
// snapshot plus artifacts and the one-time secrets claim on success.
func (h *BuildHandler) completionResponse(ctx context.Context, job models.BuildJob) *BuildResponse {
	resp := buildResponse(job, true)
	if job.Status != models.BuildStatusSuccess {
		return resp
	}

	if set, err := h.scanner.Scan(ctx, job.OutputDir); err != nil {
		h.logger.Error("artifact scan failed", "build_id", job.ID, "error", err)
	} else {
		resp.Artifacts = set
	}

	records, err := h.engine.ClaimSecrets(job.ID)
	if err != nil {
		h.logger.Error("secrets claim failed", "build_id", job.ID, "error", err)
		return resp
	}
	resp.Secrets = records
	return resp
}

// Get handles GET /api/v1/builds/{id}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}

	resp := buildResponse(job, true)
	if job.Status == models.BuildStatusSuccess {
		if set, err := h.scanner.Scan(r.Context(), job.OutputDir); err != nil {
			h.logger.Error("artifact scan failed", "build_id", job.ID, "error", err)
		} else {
			resp.Artifacts = set
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// List handles GET /api/v1/builds. Builders see their own builds, admins
// see everything.
func (h *BuildHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetUserID(r.Context())
	admin := middleware.GetUserRole(r.Context()) == models.RoleAdmin

	jobs := h.engine.List()
	resp := make([]*BuildResponse, 0, len(jobs))
	for _, job := range jobs {
		if !admin && job.Principal != principal {
			continue
		}
		resp = append(resp, buildResponse(job, false))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"builds": resp})
}

// Cancel handles DELETE /api/v1/builds/{id}.
func (h *BuildHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}

	if !h.engine.Cancel(job.ID) {
		WriteConflict(w, "Build already finished")
		return
	}
	h.logger.Info("build cancelled", "build_id", job.ID, "principal", job.Principal)
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": "cancelling",
	})
}

// authorizedJob resolves the {id} path parameter and enforces that the
// caller owns the build or is an admin. It writes the error response
// itself when the lookup or check fails.
func authorizedJob(w http.ResponseWriter, r *http.Request, eng BuildEngine) (models.BuildJob, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteBadRequest(w, "Build ID is required")
		return models.BuildJob{}, false
	}

	job, ok := eng.Get(id)
	if !ok {
		WriteNotFound(w, "Unknown build")
		return models.BuildJob{}, false
	}

	principal := middleware.GetUserID(r.Context())
	if job.Principal != principal && middleware.GetUserRole(r.Context()) != models.RoleAdmin {
		// Masked as 404 so probing cannot enumerate other principals' builds.
		WriteNotFound(w, "Unknown build")
		return models.BuildJob{}, false
	}
	return job, true
}

// repoProjectName derives a display name from a clone URL.
func repoProjectName(gitURL string) string {
	base := path.Base(strings.TrimSuffix(strings.TrimSuffix(gitURL, "/"), ".git"))
	if base == "." || base == "/" || base == "" {
		return "project"
	}
	return base
}

// archiveProjectName derives a display name from an uploaded filename.
func archiveProjectName(filename string) string {
	base := path.Base(filename)
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar"} {
		base = strings.TrimSuffix(base, suffix)
	}
	if base == "." || base == "" {
		return "upload"
	}
	return base
}
