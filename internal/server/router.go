package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/conductor/internal/metrics"
	"github.com/loykin/conductor/internal/monitor"
	"github.com/loykin/conductor/internal/orchestrator"
	"github.com/loykin/conductor/internal/procmgr"
	"github.com/loykin/conductor/internal/recovery"
	"github.com/loykin/conductor/internal/store"
)

// Router provides a read-only HTTP surface over the orchestration core.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/instances
//	GET {basePath}/instances/:issue
//	GET {basePath}/instances/:issue/health
//	GET {basePath}/instances/:issue/recovery
//	GET {basePath}/instances/:issue/alerts
//	GET {basePath}/metrics
type Router struct {
	orch     *orchestrator.Orchestrator
	mon      *monitor.Monitor
	rec      *recovery.Manager
	pm       *procmgr.Manager
	st       store.Store
	basePath string
}

func NewRouter(orch *orchestrator.Orchestrator, mon *monitor.Monitor, rec *recovery.Manager, pm *procmgr.Manager, st store.Store, basePath string) *Router {
	return &Router{orch: orch, mon: mon, rec: rec, pm: pm, st: st, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/instances", r.handleList)
	group.GET("/instances/:issue", r.handleGet)
	group.GET("/instances/:issue/health", r.handleHealth)
	group.GET("/instances/:issue/recovery", r.handleRecovery)
	group.GET("/instances/:issue/alerts", r.handleAlerts)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleList(c *gin.Context) {
	insts, err := r.orch.ListInstances(c.Request.Context(), c.Query("load") == "all")
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Info())
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	inst, ok, err := r.orch.GetInstance(c.Request.Context(), c.Param("issue"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, errorResp{Error: "instance not found"})
		return
	}
	c.JSON(http.StatusOK, inst.Info())
}

func (r *Router) handleHealth(c *gin.Context) {
	issue := c.Param("issue")
	inst, ok, err := r.orch.GetInstance(c.Request.Context(), issue)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, errorResp{Error: "instance not found"})
		return
	}
	results := r.mon.ForceHealthCheck(c.Request.Context(), inst)
	c.JSON(http.StatusOK, gin.H{
		"results":        results,
		"uptime_percent": r.mon.Uptime(issue),
	})
}

func (r *Router) handleRecovery(c *gin.Context) {
	c.JSON(http.StatusOK, r.rec.History(c.Param("issue")))
}

func (r *Router) handleAlerts(c *gin.Context) {
	alerts, err := r.st.ListAlerts(c.Request.Context(), c.Param("issue"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, alerts)
}
