package handler

import (
	"github.com/gofiber/fiber/v2"

	"datagate/internal/auth"
	"datagate/internal/http/middleware"
	"datagate/internal/model"
)

type notificationList struct {
	Items []model.Notification `json:"items"`
}

// resolveScope defaults to the caller's user scope and rejects scopes the
// caller does not hold.
func resolveScope(c *fiber.Ctx) (string, bool) {
	p, _ := middleware.PrincipalFrom(c)
	scope := c.Query("scope")
	if scope == "" {
		scope = auth.UserScope(p.UserID)
	}
	return scope, p.CanRead(scope)
}

// ListNotifications godoc
// @Summary List notifications for a recipient scope, newest first
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Param scope query string false "Recipient scope (user:<id> or role:<role>)"
// @Param status query string false "unread or read"
// @Success 200 {object} notificationList
// @Failure 400 {object} errorPayload
// @Failure 403 {object} errorPayload
// @Router /notifications [get]
func (g *Gateway) ListNotifications(c *fiber.Ctx) error {
	scope, ok := resolveScope(c)
	if !ok {
		return accessDenied(c)
	}
	items, err := g.notifications.Query(c.UserContext(), scope, model.NotificationStatus(c.Query("status")))
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.JSON(notificationList{Items: items})
}

// MarkNotificationRead godoc
// @Summary Mark a notification read
// @Tags notifications
// @Produce json
// @Security BearerAuth
// @Param id path string true "Notification ID"
// @Param scope query string false "Recipient scope the notification was addressed to"
// @Success 200 {object} model.Notification
// @Failure 403 {object} errorPayload
// @Failure 404 {object} errorPayload
// @Router /notifications/{id}/read [post]
func (g *Gateway) MarkNotificationRead(c *fiber.Ctx) error {
	scope, ok := resolveScope(c)
	if !ok {
		return accessDenied(c)
	}
	n, err := g.notifications.MarkRead(c.UserContext(), c.Params("id"), scope)
	if err != nil {
		return respondError(c, g.log, err)
	}
	return c.JSON(n)
}
