package handler

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"datagate/internal/apperror"
	"datagate/internal/http/middleware"
	"datagate/internal/model"
	"datagate/internal/storage"
)

// redeem consumes one use of the path token after checking it grants kind.
func (g *Gateway) redeem(c *fiber.Ctx, kind model.TokenKind) (*model.Token, error) {
	id := c.Params("token")
	v, err := g.tokens.Validate(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if v.Token == nil || v.Token.Kind != kind {
		return nil, apperror.InvalidToken(id, string(model.ReasonNotFound))
	}
	return g.tokens.Redeem(c.UserContext(), id)
}

// Upload godoc
// @Summary Upload a dataset payload with an upload token
// @Description Redeems the token, stores the body and starts the transfer in the background.
// @Tags uploads
// @Accept octet-stream
// @Produce json
// @Param token path string true "Upload token"
// @Success 202 {object} model.Dataset
// @Failure 403 {object} errorPayload
// @Failure 409 {object} errorPayload
// @Router /uploads/{token} [put]
func (g *Gateway) Upload(c *fiber.Ctx) error {
	t, err := g.redeem(c, model.TokenKindUpload)
	if err != nil {
		return respondError(c, g.log, err)
	}
	ctx := c.UserContext()
	datasetID := t.SubjectID

	if _, err := g.datasets.BeginUpload(ctx, datasetID); err != nil {
		return respondError(c, g.log, err)
	}

	key := storage.DatasetKey(datasetID)
	body, size := requestBody(c)
	ct := c.Get(fiber.HeaderContentType)
	if ct == "" {
		ct = fiber.MIMEOctetStream
	}
	if _, err := g.storage.Put(ctx, key, body, storage.PutObjectOptions{Size: size, ContentType: ct}); err != nil {
		g.abandonUpload(c, datasetID, key, err)
		return respondError(c, g.log, err)
	}

	ds, err := g.datasets.CompleteUpload(ctx, datasetID)
	if err != nil {
		return respondError(c, g.log, err)
	}

	source := g.storage.Ref(key)
	g.spawner.Spawn("start_transfer", func(ctx context.Context) error {
		_, err := g.transfers.Start(ctx, datasetID, source, g.opts.Destination)
		return err
	})
	return c.Status(fiber.StatusAccepted).JSON(ds)
}

func (g *Gateway) abandonUpload(c *fiber.Ctx, datasetID, key string, cause error) {
	ctx := c.UserContext()
	log := g.log.With(zap.String("request_id", middleware.RequestIDFrom(c)), zap.String("dataset_id", datasetID))
	log.Warn("payload store failed", zap.String("event", "upload_store_failed"), zap.Error(cause))
	if _, err := g.datasets.FailUpload(ctx, datasetID); err != nil {
		log.Error("fail upload", zap.String("event", "upload_fail_failed"), zap.Error(err))
	}
	if err := g.storage.Delete(ctx, key); err != nil {
		log.Warn("delete partial payload", zap.String("event", "upload_cleanup_failed"), zap.Error(err))
	}
}

// requestBody streams when the app runs with StreamRequestBody and falls back
// to the buffered body otherwise. Size is -1 when unknown.
func requestBody(c *fiber.Ctx) (io.Reader, int64) {
	size := int64(c.Request().Header.ContentLength())
	if r := c.Context().RequestBodyStream(); r != nil {
		if size < 0 {
			size = -1
		}
		return r, size
	}
	b := c.Body()
	return bytes.NewReader(b), int64(len(b))
}

// Download godoc
// @Summary Download a dataset payload with a download token
// @Tags downloads
// @Produce octet-stream
// @Param token path string true "Download token"
// @Success 200 {file} binary
// @Failure 403 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Router /downloads/{token} [get]
func (g *Gateway) Download(c *fiber.Ctx) error {
	t, err := g.redeem(c, model.TokenKindDownload)
	if err != nil {
		return respondError(c, g.log, err)
	}
	rc, info, err := g.storage.Get(c.UserContext(), storage.DatasetKey(t.SubjectID))
	if err != nil {
		return respondError(c, g.log, err)
	}
	ct := info.ContentType
	if ct == "" {
		ct = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, ct)
	if info.ETag != "" {
		c.Set(fiber.HeaderETag, info.ETag)
	}
	// SendStream closes rc once the body is written.
	return c.SendStream(rc, int(info.Size))
}

// ValidateToken godoc
// @Summary Check whether a token is currently usable
// @Description Never consumes a use. The reason for invalidity is not disclosed.
// @Tags tokens
// @Produce json
// @Param token path string true "Token"
// @Success 200 {object} map[string]bool
// @Router /tokens/{token} [get]
func (g *Gateway) ValidateToken(c *fiber.Ctx) error {
	v, err := g.tokens.Validate(c.UserContext(), c.Params("token"))
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.JSON(fiber.Map{"valid": v.Valid})
}

// RevokeToken godoc
// @Summary Revoke a token
// @Tags tokens
// @Security BearerAuth
// @Param token path string true "Token"
// @Success 204
// @Failure 403 {object} errorPayload
// @Router /tokens/{token} [delete]
func (g *Gateway) RevokeToken(c *fiber.Ctx) error {
	id := c.Params("token")
	ctx := c.UserContext()
	v, err := g.tokens.Validate(ctx, id)
	if err != nil {
		return respondError(c, g.log, err)
	}
	if v.Token != nil {
		ds, err := g.datasets.Get(ctx, v.Token.SubjectID)
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return respondError(c, g.log, err)
		}
		p, _ := middleware.PrincipalFrom(c)
		if ds != nil && ds.OwnerID != p.UserID {
			return accessDenied(c)
		}
	}
	if err := g.tokens.Revoke(ctx, id); err != nil {
		return respondError(c, g.log, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
