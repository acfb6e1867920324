package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nbot-dev/nbot/internal/apierrors"
	"github.com/nbot-dev/nbot/internal/audit"
	"github.com/nbot-dev/nbot/internal/hosterr"
	"github.com/nbot-dev/nbot/internal/registry"
)

// maxUploadBytes bounds any request body this surface reads fully into
// memory (package bytes, config JSON): 200 MiB matches the package store's
// own uncompressed-size ceiling (§4.2) so a package upload is never
// truncated by this layer before the store gets a chance to reject it
// properly.
const maxUploadBytes = 200 * 1024 * 1024

// recordAudit is a no-op when log is nil, so the admin surface works
// without the optional sqlite-backed audit trail wired in.
func recordAudit(ctx context.Context, log *audit.Log, eventType audit.EventType, pluginID, detail string) {
	if log == nil {
		return
	}
	_ = log.Record(ctx, eventType, pluginID, detail)
}

// writeHostError translates a hosterr-classified error into the matching
// namespaced apierrors response.
func writeHostError(c *gin.Context, err error) {
	apierrors.ErrorFromHostError(c, err)
}

// handleListPlugins implements GET /api/plugins.
func (s *Server) handleListPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.registry.Snapshot()})
}

// handleGetPlugin implements GET /api/plugins/:id.
func (s *Server) handleGetPlugin(c *gin.Context) {
	id := c.Param("id")
	entry, ok := s.registry.Get(id)
	if !ok {
		writeHostError(c, hosterr.New(hosterr.NotFound, "plugin "+id+" is not installed"))
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleInstallPlugin implements POST /api/plugins: the request body is the
// raw .nbp package bytes.
func (s *Server) handleInstallPlugin(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes))
	if err != nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, "reading package body: "+err.Error())
		return
	}
	manifest, err := s.registry.Install(c.Request.Context(), body, registry.SourceLocal)
	if err != nil {
		recordAudit(c.Request.Context(), s.audit, audit.EventVerifyFailed, "", err.Error())
		writeHostError(c, err)
		return
	}
	recordAudit(c.Request.Context(), s.audit, audit.EventInstall, manifest.ID, manifest.Version)
	c.JSON(http.StatusCreated, manifest)
}

// handleUninstallPlugin implements DELETE /api/plugins/:id.
func (s *Server) handleUninstallPlugin(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Uninstall(c.Request.Context(), id); err != nil {
		writeHostError(c, err)
		return
	}
	recordAudit(c.Request.Context(), s.audit, audit.EventUninstall, id, "")
	c.Status(http.StatusNoContent)
}

// handleEnablePlugin implements POST /api/plugins/:id/enable.
func (s *Server) handleEnablePlugin(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Enable(c.Request.Context(), id); err != nil {
		writeHostError(c, err)
		return
	}
	recordAudit(c.Request.Context(), s.audit, audit.EventEnable, id, "")
	c.Status(http.StatusNoContent)
}

// handleDisablePlugin implements POST /api/plugins/:id/disable.
func (s *Server) handleDisablePlugin(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Disable(c.Request.Context(), id); err != nil {
		writeHostError(c, err)
		return
	}
	recordAudit(c.Request.Context(), s.audit, audit.EventDisable, id, "")
	c.Status(http.StatusNoContent)
}

// handleUpdateConfig implements PUT /api/plugins/:id/config.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	id := c.Param("id")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes))
	if err != nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, "reading config body: "+err.Error())
		return
	}
	if err := s.registry.UpdateConfig(c.Request.Context(), id, json.RawMessage(body)); err != nil {
		writeHostError(c, err)
		return
	}
	recordAudit(c.Request.Context(), s.audit, audit.EventConfigUpdate, id, "")
	c.Status(http.StatusNoContent)
}

// marketSyncRequest is the optional JSON body for POST /api/market/sync.
type marketSyncRequest struct {
	ForceUpdate bool `json:"forceUpdate"`
}

// handleMarketSync implements POST /api/market/sync.
func (s *Server) handleMarketSync(c *gin.Context) {
	if s.market == nil {
		apierrors.Error(c, apierrors.CodeServiceUnavailable)
		return
	}
	var req marketSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.ErrorWithMessage(c, apierrors.CodeInvalidRequest, err.Error())
			return
		}
	}
	report, err := s.market.Sync(c.Request.Context(), req.ForceUpdate)
	if err != nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeMarketUnreachable, err.Error())
		return
	}
	detail := fmt.Sprintf("installed=%d updated=%d skipped=%d failed=%d",
		len(report.Installed), len(report.Updated), len(report.Skipped), len(report.Failed))
	recordAudit(c.Request.Context(), s.audit, audit.EventMarketSync, "", detail)
	c.JSON(http.StatusOK, report)
}

// handlePluginLogs implements GET /api/plugins/:id/logs, backing the
// "recent plugin activity without a log aggregator" view internal/pluginlog
// exists for.
func (s *Server) handlePluginLogs(c *gin.Context) {
	entries := s.logs.ForPlugin(c.Param("id"))
	if len(entries) > 200 {
		entries = entries[:200]
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleAuditLog implements GET /api/audit and GET /api/plugins/:id/audit,
// making the audit trail queryable by the admin surface as SPEC_FULL.md's
// supplemented features promise. c.Param("id") is "" on the unscoped route,
// which audit.Log.Recent already treats as "every plugin".
func (s *Server) handleAuditLog(c *gin.Context) {
	if s.audit == nil {
		apierrors.Error(c, apierrors.CodeServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := s.audit.Recent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		apierrors.ErrorWithMessage(c, apierrors.CodeInternalError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
