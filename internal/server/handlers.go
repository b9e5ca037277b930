package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/navidesk/sentinel/internal/actor"
	"github.com/navidesk/sentinel/internal/audit"
	"github.com/navidesk/sentinel/internal/auth"
	"github.com/navidesk/sentinel/internal/events"
	"github.com/navidesk/sentinel/internal/executor"
	"github.com/navidesk/sentinel/internal/logging"
	"github.com/navidesk/sentinel/internal/settings"
	"github.com/navidesk/sentinel/internal/threat"
	"github.com/navidesk/sentinel/internal/validation"
)

// naviRequest is the single action-dispatch payload. Fields beyond action
// are per-action; unused ones are ignored.
type naviRequest struct {
	Action    string `json:"action" binding:"required"`
	NaviToken string `json:"naviToken,omitempty"`

	TargetUserID  string                `json:"targetUserId,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	DurationHours int                   `json:"durationHours,omitempty"`
	Setting       string                `json:"setting,omitempty"`
	Value         *bool                 `json:"value,omitempty"`
	ActionID      string                `json:"actionId,omitempty"`
	TopOffenders  []string              `json:"topOffenders,omitempty"`
	ThreatLevel   string                `json:"threatLevel,omitempty"`
	TriggerStats  executor.TriggerStats `json:"triggerStats,omitempty"`
}

// naviHandler dispatches one executor action.
func (s *Server) naviHandler(c *gin.Context) {
	var req naviRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "action is required",
		})
		return
	}

	caller, ok := auth.CallerActor(c)
	if !ok && req.NaviToken != "" {
		// The policy loop carries its credential in the body.
		if who, err := s.authMgr.Resolve(c.Request.Context(), req.NaviToken); err == nil {
			caller, ok = who, true
		}
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Credential required.",
		})
		return
	}

	ctx := c.Request.Context()
	level := tierFromName(req.ThreatLevel)
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	var (
		res *executor.Result
		err error
	)
	switch req.Action {
	case "auto_warn":
		res, err = s.executor.AutoWarn(ctx, caller, req.TargetUserID, req.Reason, req.TriggerStats, level)
	case "auto_temp_ban":
		duration := time.Duration(req.DurationHours) * time.Hour
		res, err = s.executor.AutoTempBan(ctx, caller, req.TargetUserID, req.Reason, duration, req.TriggerStats, level)
	case "auto_lockdown":
		res, err = s.executor.AutoLockdown(ctx, caller, req.Reason, req.TriggerStats, req.TopOffenders)
	case "auto_unlock":
		res, err = s.executor.AutoUnlock(ctx, caller, req.Reason)
	case "toggle_authority":
		if req.Value == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "value is required for toggle_authority",
			})
			return
		}
		res, err = s.executor.ToggleAuthority(ctx, caller, req.Setting, *req.Value, req.Reason, req.TriggerStats, level)
	case "reverse_action":
		res, err = s.executor.ReverseAction(ctx, caller, req.ActionID, req.Reason)
	case "security_alert":
		res, err = s.executor.SecurityAlert(ctx, caller, req.Reason, req.TriggerStats, level)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown action " + strconv.Quote(req.Action),
		})
		return
	}

	if err != nil {
		s.renderExecutorError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"skipped":     res.Skipped,
		"skipReason":  res.SkipReason,
		"entry":       res.Entry,
		"bannedCount": res.BannedCount,
	})
}

func (s *Server) renderExecutorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, executor.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, executor.ErrGovernorDisabled):
		c.JSON(http.StatusBadRequest, gin.H{"error": "governor_disabled", "message": err.Error()})
	case errors.Is(err, executor.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("executor request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "The request could not be completed.",
		})
	}
}

func tierFromName(name string) threat.Tier {
	switch name {
	case "elevated":
		return threat.TierElevated
	case "warning":
		return threat.TierWarning
	case "critical":
		return threat.TierCritical
	default:
		return threat.TierNormal
	}
}

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

type recordEventRequest struct {
	Kind    string `json:"kind" binding:"required"`
	ActorID string `json:"actorId,omitempty"`
}

func (s *Server) recordEventHandler(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "kind is required",
		})
		return
	}

	sample, err := s.activity.Record(c.Request.Context(), events.Kind(req.Kind), req.ActorID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, sample)
}

// -----------------------------------------------------------------------------
// Status & audit
// -----------------------------------------------------------------------------

func (s *Server) statusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	cfg, err := s.settingsStore.Get(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "settings unavailable",
		})
		return
	}

	stats, err := s.activity.Snapshot(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "activity snapshot unavailable",
		})
		return
	}

	assessment := threat.Evaluate(threat.Stats{
		Signups:      stats.Signups,
		Messages:     stats.Messages,
		FailedLogins: stats.FailedLogins,
		ActiveUsers:  stats.ActiveUsers,
	}, cfg.Thresholds())

	c.JSON(http.StatusOK, gin.H{
		"naviEnabled":         cfg.NaviEnabled,
		"autoResponseEnabled": cfg.AutoResponseEnabled,
		"lockdownMode":        cfg.LockdownMode,
		"window":              events.Window.String(),
		"activity":            stats,
		"assessment":          assessment,
		"feed":                s.hub.Stats(),
	})
}

func (s *Server) listAuditHandler(c *gin.Context) {
	f := audit.Filter{
		ActionType:   c.Query("actionType"),
		TargetUserID: c.Query("targetUserId"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "since must be RFC3339",
			})
			return
		}
		f.Since = t
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		f.Limit = n
	}

	entries, err := s.auditStore.List(c.Request.Context(), f)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) getAuditHandler(c *gin.Context) {
	entry, err := s.auditStore.Get(c.Request.Context(), c.Param("actionId"))
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("audit get failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// -----------------------------------------------------------------------------
// Operator surface
// -----------------------------------------------------------------------------

func (s *Server) getSettingsHandler(c *gin.Context) {
	cfg, err := s.settingsStore.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) updateSettingsHandler(c *gin.Context) {
	var next settings.Settings
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	if err := s.settingsStore.Update(c.Request.Context(), &next); err != nil {
		logging.L(c.Request.Context()).Error("settings update failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	who, _ := auth.CallerActor(c)
	logging.L(c.Request.Context()).Info("settings updated", "actor", who.String())
	c.JSON(http.StatusOK, &next)
}

// runCycleHandler triggers an immediate policy cycle.
func (s *Server) runCycleHandler(c *gin.Context) {
	s.monitor.RunCycle(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "cycle completed"})
}

func (s *Server) listNotificationsHandler(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	notices, err := s.notifyStore.ListFor(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("notification list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notices, "count": len(notices)})
}

// -----------------------------------------------------------------------------
// Operator keys
// -----------------------------------------------------------------------------

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createKeyHandler(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "name is required",
		})
		return
	}

	who, _ := auth.CallerActor(c)
	raw, key, err := s.authMgr.GenerateKey(c.Request.Context(), operatorID(who), req.Name)
	if err != nil {
		logging.L(c.Request.Context()).Error("key generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":    key,
		"rawKey": raw, // shown once, never stored
	})
}

func (s *Server) listKeysHandler(c *gin.Context) {
	who, _ := auth.CallerActor(c)
	keys, err := s.authMgr.ListKeys(c.Request.Context(), operatorID(who))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

func (s *Server) revokeKeyHandler(c *gin.Context) {
	who, _ := auth.CallerActor(c)
	err := s.authMgr.RevokeKey(c.Request.Context(), operatorID(who), c.Param("keyId"))
	if errors.Is(err, auth.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func operatorID(who actor.Actor) string {
	return who.ID
}
