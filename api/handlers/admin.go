package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
)

// SessionBroker is the part of session.Broker the admin API drives.
type SessionBroker interface {
	Snapshot() []model.SessionInfo
	Kill(identity string) bool
	ClearSession(ctx context.Context, identity string) error
}

// SessionHistory reads the session audit log.
type SessionHistory interface {
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*model.SessionRecord, error)
}

// TokenRevoker removes every token issued to an identity.
type TokenRevoker interface {
	RevokeIdentity(ctx context.Context, identity string) (int64, error)
}

// SettingsReader reads operator settings.
type SettingsReader interface {
	MaxUsers(ctx context.Context) (int, error)
}

// AdminHandler serves /api/admin.
type AdminHandler struct {
	broker   SessionBroker
	history  SessionHistory
	tokens   TokenRevoker
	settings SettingsReader
	log      *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(broker SessionBroker, history SessionHistory, tokens TokenRevoker, settings SettingsReader, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		broker:   broker,
		history:  history,
		tokens:   tokens,
		settings: settings,
		log:      logger.OrNop(log).With(zap.String("component", "admin")),
	}
}

// SessionListResponse is the body of GET /api/admin/sessions.
type SessionListResponse struct {
	Sessions []model.SessionInfo `json:"sessions"`
	Total    int                 `json:"total"`
}

// HistoryEntry is one audit record in API responses.
type HistoryEntry struct {
	ID        string  `json:"id"`
	PID       int     `json:"pid"`
	Status    string  `json:"status"`
	ExitCode  *int    `json:"exitCode,omitempty"`
	StartedAt string  `json:"startedAt"`
	EndedAt   *string `json:"endedAt,omitempty"`
	Duration  string  `json:"duration"`
}

// ClearSessionRequest is the optional body of POST /api/admin/clear-session.
type ClearSessionRequest struct {
	Identity string `json:"identity"`
}

// SettingsResponse is the body of GET /api/admin/settings.
type SettingsResponse struct {
	MaxUsers       int `json:"maxUsers"`
	ActiveSessions int `json:"activeSessions"`
}

func toHistoryEntry(r *model.SessionRecord) HistoryEntry {
	e := HistoryEntry{
		ID:        r.ID,
		PID:       r.PID,
		Status:    string(r.Status),
		ExitCode:  r.ExitCode,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Duration:  formatDuration(r.Duration()),
	}
	if r.EndedAt != nil {
		ended := r.EndedAt.Format(time.RFC3339)
		e.EndedAt = &ended
	}
	return e
}

// ListSessions handles GET /api/admin/sessions.
func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions := h.broker.Snapshot()
	c.JSON(http.StatusOK, SessionListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// KillSession handles DELETE /api/admin/sessions/:identity.
func (h *AdminHandler) KillSession(c *gin.Context) {
	identity := c.Param("identity")
	if err := model.ValidateIdentity(identity); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	if !h.broker.Kill(identity) {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "No live session for "+identity)
		return
	}
	c.Status(http.StatusNoContent)
}

// SessionHistory handles GET /api/admin/sessions/:identity/history.
func (h *AdminHandler) SessionHistory(c *gin.Context) {
	identity := c.Param("identity")
	if err := model.ValidateIdentity(identity); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.history.ListByIdentity(c.Request.Context(), identity, limit)
	if err != nil {
		h.log.Error("failed to list session history", zap.String("identity", identity), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list session history")
		return
	}

	entries := make([]HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, toHistoryEntry(r))
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "history": entries})
}

// ClearSession handles POST /api/admin/clear-session. Without a body it
// clears the caller's own session.
func (h *AdminHandler) ClearSession(c *gin.Context) {
	var req ClearSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	identity := req.Identity
	if identity == "" {
		caller, ok := callerIdentity(c)
		if !ok {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Missing identity")
			return
		}
		identity = caller.Name
	}

	if err := h.broker.ClearSession(c.Request.Context(), identity); err != nil {
		if errors.Is(err, model.ErrInvalidIdentity) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		h.log.Error("failed to clear session", zap.String("identity", identity), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "cleared": true})
}

// DeleteUser handles DELETE /api/admin/users/:identity. It revokes the
// identity's tokens and kills its session; account rows live elsewhere.
func (h *AdminHandler) DeleteUser(c *gin.Context) {
	identity := c.Param("identity")
	if err := model.ValidateIdentity(identity); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	revoked, err := h.tokens.RevokeIdentity(c.Request.Context(), identity)
	if err != nil {
		h.log.Error("failed to revoke tokens", zap.String("identity", identity), zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke tokens")
		return
	}
	killed := h.broker.Kill(identity)

	h.log.Info("user removed",
		zap.String("identity", identity),
		zap.Int64("tokens_revoked", revoked),
		zap.Bool("session_killed", killed))
	c.JSON(http.StatusOK, gin.H{
		"identity":      identity,
		"tokensRevoked": revoked,
		"sessionKilled": killed,
	})
}

// Settings handles GET /api/admin/settings.
func (h *AdminHandler) Settings(c *gin.Context) {
	maxUsers, err := h.settings.MaxUsers(c.Request.Context())
	if err != nil {
		h.log.Error("failed to read settings", zap.Error(err))
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read settings")
		return
	}
	c.JSON(http.StatusOK, SettingsResponse{
		MaxUsers:       maxUsers,
		ActiveSessions: len(h.broker.Snapshot()),
	})
}

// RegisterRoutes registers the admin routes on rg. Callers put RequireAdmin
// in front of the group.
func (h *AdminHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.DELETE("/:identity", h.KillSession)
		sessions.GET("/:identity/history", h.SessionHistory)
	}
	rg.POST("/clear-session", h.ClearSession)
	rg.DELETE("/users/:identity", h.DeleteUser)
	rg.GET("/settings", h.Settings)
}
