package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"datagate/internal/apperror"
	"datagate/internal/auth"
	"datagate/internal/http/middleware"
	"datagate/internal/model"
)

type tokenResponse struct {
	Token     string          `json:"token"`
	Kind      model.TokenKind `json:"kind"`
	DatasetID string          `json:"dataset_id"`
	ExpiresAt time.Time       `json:"expires_at"`
	MaxUses   int             `json:"max_uses"`
	URL       string          `json:"url"`
}

func newTokenResponse(t *model.Token, url string) tokenResponse {
	return tokenResponse{
		Token:     t.ID,
		Kind:      t.Kind,
		DatasetID: t.SubjectID,
		ExpiresAt: t.ExpiresAt,
		MaxUses:   t.MaxUses,
		URL:       url,
	}
}

// CreateDataset godoc
// @Summary Create a dataset in draft
// @Tags datasets
// @Produce json
// @Security BearerAuth
// @Success 201 {object} model.Dataset
// @Failure 401 {object} errorPayload
// @Router /datasets [post]
func (g *Gateway) CreateDataset(c *fiber.Ctx) error {
	p, _ := middleware.PrincipalFrom(c)
	ds, err := g.datasets.Create(c.UserContext(), p.UserID)
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ds)
}

// GetDataset godoc
// @Summary Read a dataset
// @Tags datasets
// @Produce json
// @Security BearerAuth
// @Param id path string true "Dataset ID"
// @Success 200 {object} model.Dataset
// @Failure 404 {object} errorPayload
// @Router /datasets/{id} [get]
func (g *Gateway) GetDataset(c *fiber.Ctx) error {
	ds, err := g.visibleDataset(c)
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.JSON(ds)
}

// IssueUploadToken godoc
// @Summary Issue a single-use upload token
// @Tags tokens
// @Produce json
// @Security BearerAuth
// @Param id path string true "Dataset ID"
// @Success 201 {object} tokenResponse
// @Failure 403 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Router /datasets/{id}/upload-tokens [post]
func (g *Gateway) IssueUploadToken(c *fiber.Ctx) error {
	ds, err := g.visibleDataset(c)
	if err != nil {
		return respondError(c, g.log, err)
	}
	p, _ := middleware.PrincipalFrom(c)
	if ds.OwnerID != p.UserID {
		return accessDenied(c)
	}
	if ds.State != model.StateDraft {
		return writeError(c, fiber.StatusConflict, "INVALID_TRANSITION", "dataset is not in a state that allows this operation")
	}
	t, err := g.tokens.IssueUploadToken(c.UserContext(), ds.ID, g.opts.UploadTTL)
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(newTokenResponse(t, "/uploads/"+t.ID))
}

// IssueDownloadToken godoc
// @Summary Issue a bounded-use download token
// @Tags tokens
// @Produce json
// @Security BearerAuth
// @Param id path string true "Dataset ID"
// @Success 201 {object} tokenResponse
// @Failure 404 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Router /datasets/{id}/download-tokens [post]
func (g *Gateway) IssueDownloadToken(c *fiber.Ctx) error {
	ds, err := g.visibleDataset(c)
	if err != nil {
		return respondError(c, g.log, err)
	}
	if !hasPayload(ds.State) {
		return writeError(c, fiber.StatusConflict, "INVALID_TRANSITION", "dataset has no payload yet")
	}
	t, err := g.tokens.IssueDownloadToken(c.UserContext(), ds.ID, g.opts.DownloadTTL)
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(newTokenResponse(t, "/downloads/"+t.ID))
}

func hasPayload(s model.DatasetState) bool {
	return s == model.StateUploaded || s == model.StateTransferring || s == model.StateTransferred
}

// visibleDataset loads :id and hides it, as not found, from callers that hold
// none of its recipient scopes.
func (g *Gateway) visibleDataset(c *fiber.Ctx) (*model.Dataset, error) {
	id := c.Params("id")
	ds, err := g.datasets.Get(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	p, _ := middleware.PrincipalFrom(c)
	if !canSee(p, g.scopes(*ds)) {
		return nil, errNotVisible(id)
	}
	return ds, nil
}

func errNotVisible(id string) error {
	return apperror.NotFound("dataset", id)
}

func canSee(p auth.Principal, scopes []string) bool {
	for _, s := range scopes {
		if p.CanRead(s) {
			return true
		}
	}
	return false
}
