package handlers

import (
	"errors"
	"net/http"

	"github.com/anvillabs/crucible/internal/engine"
	"github.com/anvillabs/crucible/internal/models"
)

// SecretsResponse carries a build's extracted keypairs. It is produced at
// most once per build.
type SecretsResponse struct {
	BuildID string                `json:"buildId"`
	Secrets []models.SecretRecord `json:"secrets"`
}

// ClaimSecrets handles GET /api/v1/builds/{id}/secrets. The first call on
// a successful build returns the extracted keypairs and burns them; every
// later call gets 410. Builds submitted with wait=true had their secrets
// embedded in the completion response, so this endpoint starts out burned
// for them.
func (h *BuildHandler) ClaimSecrets(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}

	records, err := h.engine.ClaimSecrets(job.ID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnknownBuild):
		WriteNotFound(w, "Unknown build")
		return
	case errors.Is(err, engine.ErrNotSuccessful):
		WriteConflict(w, "Build did not finish successfully")
		return
	case errors.Is(err, engine.ErrSecretsClaimed):
		WriteGone(w, "Secrets were already claimed")
		return
	default:
		h.logger.Error("secrets claim failed", "build_id", job.ID, "error", err)
		WriteInternalError(w, "Failed to claim secrets")
		return
	}

	h.logger.Info("secrets claimed",
		"build_id", job.ID,
		"count", len(records),
	)
	WriteJSON(w, http.StatusOK, &SecretsResponse{
		BuildID: job.ID,
		Secrets: records,
	})
}
