package handler

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"datagate/internal/http/middleware"
	"datagate/internal/model"
)

const webhookSecretHeader = "X-Webhook-Secret"

type callbackRequest struct {
	SubmissionID string                `json:"submission_id"`
	Outcome      model.TransferOutcome `json:"outcome"`
}

type callbackResponse struct {
	Applied      bool               `json:"applied"`
	DatasetID    string             `json:"dataset_id"`
	DatasetState model.DatasetState `json:"dataset_state"`
}

// TransferCallback godoc
// @Summary Completion callback from the transfer network
// @Description Duplicate, late and superseded callbacks are acknowledged with applied=false.
// @Tags transfers
// @Accept json
// @Produce json
// @Param X-Webhook-Secret header string true "Shared webhook secret"
// @Param body body callbackRequest true "Outcome"
// @Success 200 {object} callbackResponse
// @Failure 400 {object} errorPayload
// @Failure 403 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Router /transfers/callback [post]
func (g *Gateway) TransferCallback(c *fiber.Ctx) error {
	secret := c.Get(webhookSecretHeader)
	if g.opts.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(g.opts.WebhookSecret)) != 1 {
		return accessDenied(c)
	}

	var req callbackRequest
	if err := c.BodyParser(&req); err != nil || req.SubmissionID == "" {
		return writeError(c, fiber.StatusBadRequest, "INVALID_ARGUMENT", "submission_id and outcome are required")
	}

	res, err := g.transfers.HandleCompletion(c.UserContext(), req.SubmissionID, req.Outcome)
	if err != nil && res == nil {
		return respondError(c, g.log, err)
	}
	if err != nil {
		// the outcome is committed; the sweep resubmits jobs left without a submission
		g.log.Warn("resubmit after callback failed",
			zap.String("event", "transfer_resubmit_failed"),
			zap.String("request_id", middleware.RequestIDFrom(c)),
			zap.String("dataset_id", res.Dataset.ID),
			zap.Error(err),
		)
	}
	return c.JSON(callbackResponse{
		Applied:      res.Applied,
		DatasetID:    res.Dataset.ID,
		DatasetState: res.Dataset.State,
	})
}
