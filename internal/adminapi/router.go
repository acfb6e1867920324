package adminapi

import (
	"github.com/gin-gonic/gin"

	"github.com/nbot-dev/nbot/internal/audit"
	"github.com/nbot-dev/nbot/internal/market"
	"github.com/nbot-dev/nbot/internal/pluginlog"
	"github.com/nbot-dev/nbot/internal/registry"
)

// Server wires the registry, market reconciler, plugin-log buffer and
// optional audit trail into the gin router spec.md §6 describes: bearer-
// token-gated routes under /api/plugins/*, /api/market/* and /api/audit.
type Server struct {
	registry *registry.Registry
	market   *market.Reconciler // nil when no NBOT_MARKET_URL is configured
	logs     *pluginlog.Buffer
	audit    *audit.Log // nil when the optional audit trail isn't opened
	auth     *TokenAuthority
}

// Option configures a Server at construction time.
type Option func(*Server)

func WithMarket(m *market.Reconciler) Option { return func(s *Server) { s.market = m } }
func WithAudit(a *audit.Log) Option          { return func(s *Server) { s.audit = a } }
func WithLogBuffer(b *pluginlog.Buffer) Option {
	return func(s *Server) { s.logs = b }
}

// New builds a gin.Engine exposing the admin surface over reg, gated by
// auth. opts wire in the optional market reconciler, audit log and plugin
// log buffer.
func New(reg *registry.Registry, auth *TokenAuthority, opts ...Option) *gin.Engine {
	s := &Server{registry: reg, auth: auth, logs: pluginlog.Global()}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api", bearerAuth(auth))
	{
		plugins := api.Group("/plugins")
		plugins.GET("", s.handleListPlugins)
		plugins.POST("", s.handleInstallPlugin)
		plugins.GET("/:id", s.handleGetPlugin)
		plugins.DELETE("/:id", s.handleUninstallPlugin)
		plugins.POST("/:id/enable", s.handleEnablePlugin)
		plugins.POST("/:id/disable", s.handleDisablePlugin)
		plugins.PUT("/:id/config", s.handleUpdateConfig)
		plugins.GET("/:id/logs", s.handlePluginLogs)
		plugins.GET("/:id/audit", s.handleAuditLog)

		mkt := api.Group("/market")
		mkt.POST("/sync", s.handleMarketSync)

		api.GET("/audit", s.handleAuditLog)
	}

	return r
}
