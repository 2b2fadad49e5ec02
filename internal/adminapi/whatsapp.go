package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wacrm/internal/fanout"
	"github.com/talkincode/wacrm/internal/whatsapp"
	"github.com/talkincode/wacrm/internal/webserver"
	"go.uber.org/zap"
)

type sessionPayload struct {
	OwnerID string `json:"owner_id" validate:"required,max=64"`
	Name    string `json:"name" validate:"omitempty,max=100"`
}

type sendPayload struct {
	To   string `json:"to" validate:"required,max=128"`
	Text string `json:"text" validate:"required,max=4096"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func registerWhatsAppRoutes() {
	webserver.ApiPOST("/whatsapp/sessions", createWhatsAppSession)
	webserver.ApiGET("/whatsapp/sessions", listWhatsAppSessions)
	webserver.ApiGET("/whatsapp/sessions/:id", getWhatsAppSession)
	webserver.ApiDELETE("/whatsapp/sessions/:id", deleteWhatsAppSession)
	webserver.ApiPOST("/whatsapp/sessions/:id/messages", postWhatsAppMessage)
	webserver.ApiGET("/whatsapp/sessions/:id/conversations", listWhatsAppConversations)
	webserver.ApiGET("/whatsapp/conversations/:id/messages", listWhatsAppMessages)
	webserver.ApiPOST("/whatsapp/conversations/:id/read", postWhatsAppRead)
	webserver.ApiGET("/whatsapp/ws", serveWhatsAppEvents)
}

// statusFor maps engine error codes onto HTTP statuses.
func statusFor(code string) int {
	switch code {
	case whatsapp.CodeInvalidRequest:
		return http.StatusBadRequest
	case whatsapp.CodeSessionNotFound, whatsapp.CodeConversationNotFound:
		return http.StatusNotFound
	case whatsapp.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case whatsapp.CodeNotConnected, whatsapp.CodeDuplicateConnection:
		return http.StatusConflict
	case whatsapp.CodePairingExpired:
		return http.StatusGone
	case whatsapp.CodeSendFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// engineFail renders an engine error. Causes of coded errors stay in the logs.
func engineFail(c echo.Context, err error, message string) error {
	code := whatsapp.CodeOf(err)
	if code == "" {
		zap.L().Error("adminapi: "+message, zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", message, nil)
	}
	var we *whatsapp.Error
	var detail interface{}
	if errors.As(err, &we) {
		detail = we.Message
	}
	return fail(c, statusFor(code), code, message, detail)
}

func createWhatsAppSession(c echo.Context) error {
	var payload sessionPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	row, err := GetAppContext(c).WhatsApp().Create(c.Request().Context(), payload.OwnerID, payload.Name)
	if err != nil {
		return engineFail(c, err, "Failed to create session")
	}
	return ok(c, row)
}

// listWhatsAppSessions returns the owner's connected sessions.
func listWhatsAppSessions(c echo.Context) error {
	owner := c.QueryParam("owner_id")
	if owner == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "owner_id is required", nil)
	}
	rows, err := GetAppContext(c).WhatsApp().ListConnected(c.Request().Context(), owner)
	if err != nil {
		return engineFail(c, err, "Failed to list sessions")
	}
	return ok(c, rows)
}

func getWhatsAppSession(c echo.Context) error {
	view, err := GetAppContext(c).WhatsApp().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return engineFail(c, err, "Failed to query session")
	}
	return ok(c, view)
}

func deleteWhatsAppSession(c echo.Context) error {
	id := c.Param("id")
	zap.L().Info("adminapi: delete session requested", zap.String("session_id", id), zap.String("remote_addr", c.RealIP()))
	if err := GetAppContext(c).WhatsApp().Delete(c.Request().Context(), id); err != nil {
		return engineFail(c, err, "Failed to delete session")
	}
	return ok(c, map[string]interface{}{"removed": true})
}

func postWhatsAppMessage(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	id, err := GetAppContext(c).WhatsApp().Send(c.Request().Context(), c.Param("id"), payload.To, payload.Text)
	if err != nil {
		return engineFail(c, err, "Failed to send message")
	}
	return ok(c, map[string]interface{}{"message_id": id})
}

func queryLimit(c echo.Context) int {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return limit
}

func listWhatsAppConversations(c echo.Context) error {
	convs, err := GetAppContext(c).Repos().Conversations.ListByConnection(c.Request().Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		return engineFail(c, err, "Failed to query conversations")
	}
	return ok(c, convs)
}

func listWhatsAppMessages(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID", nil)
	}
	msgs, err := GetAppContext(c).Repos().Messages.ListByConversation(c.Request().Context(), id, queryLimit(c))
	if err != nil {
		return engineFail(c, err, "Failed to query messages")
	}
	return ok(c, msgs)
}

func postWhatsAppRead(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid conversation ID", nil)
	}
	n, err := GetAppContext(c).WhatsApp().MarkRead(c.Request().Context(), id)
	if err != nil {
		return engineFail(c, err, "Failed to mark conversation read")
	}
	return ok(c, map[string]interface{}{"updated": n})
}

// serveWhatsAppEvents upgrades to a websocket that streams fan-out events for
// the scopes the client subscribes to.
func serveWhatsAppEvents(c echo.Context) error {
	appCtx := GetAppContext(c)
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		zap.L().Warn("adminapi: websocket upgrade failed", zap.Error(err))
		return nil
	}
	client := fanout.NewClient(appCtx.Hub(), conn, scopeExists(appCtx))
	client.Serve()
	return nil
}

// scopeExists only lets clients watch sessions and conversations that exist.
func scopeExists(appCtx apiContext) fanout.Authorizer {
	return func(ctx context.Context, scope fanout.Scope, key string) bool {
		repos := appCtx.Repos()
		switch scope {
		case fanout.ScopeConnection:
			_, err := repos.Sessions.GetByID(ctx, key)
			return err == nil
		case fanout.ScopeConversation:
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return false
			}
			_, err = repos.Conversations.GetByID(ctx, id)
			return err == nil
		}
		return false
	}
}
