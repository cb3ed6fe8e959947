package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tracelane/tracelane/internal/catalog"
	"github.com/tracelane/tracelane/internal/manager"
	"github.com/tracelane/tracelane/internal/metrics"
	"github.com/tracelane/tracelane/internal/timeline"
)

// Router exposes the run manager over HTTP. The manager itself performs no
// network I/O; this is the collaborator surface in front of it.
//
//	POST {base}/runs                  body: StartRunRequest
//	GET  {base}/runs?limit=N
//	GET  {base}/runs/:id
//	POST {base}/runs/:id/stop
//	GET  {base}/runs/:id/timeline?max_lanes=&max_events=
//	POST {base}/managed               body: PrepareManagedRequest
//	POST {base}/managed/:id/started   body: {pid}
//	POST {base}/managed/:id/finished  body: {return_code, error}
type Router struct {
	mgr      *manager.Manager
	basePath string
}

func NewRouter(mgr *manager.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns a gin-powered http.Handler mountable in any mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/runs", r.handleStartRun)
	group.GET("/runs", r.handleListRuns)
	group.GET("/runs/:id", r.handleGetRun)
	group.POST("/runs/:id/stop", r.handleStopRun)
	group.GET("/runs/:id/timeline", r.handleTimeline)
	group.POST("/managed", r.handlePrepareManaged)
	group.POST("/managed/:id/started", r.handleManagedStarted)
	group.POST("/managed/:id/finished", r.handleManagedFinished)
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *manager.Manager) *http.Server {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

// StartRunRequest is the JSON body for launching a manual run.
type StartRunRequest struct {
	Profiler  string   `json:"profiler_id" binding:"required"`
	Command   string   `json:"command" binding:"required"`
	WorkDir   string   `json:"working_directory"`
	ExtraArgs []string `json:"extra_args"`
	Name      string   `json:"name"`
}

// PrepareManagedRequest is the JSON body for preparing a managed run.
type PrepareManagedRequest struct {
	BaseCommand string   `json:"base_command" binding:"required"`
	Profiler    string   `json:"profiler_id" binding:"required"`
	Name        string   `json:"name"`
	ExtraArgs   []string `json:"extra_args"`
	JobID       string   `json:"associated_job_id"`
}

func (r *Router) handleStartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	d, err := r.mgr.StartRun(manager.StartRequest{
		Profiler:  catalog.Profiler(req.Profiler),
		Command:   req.Command,
		WorkDir:   req.WorkDir,
		ExtraArgs: req.ExtraArgs,
		Name:      req.Name,
	})
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (r *Router) handleListRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	c.JSON(http.StatusOK, r.mgr.ListRuns(limit))
}

func (r *Router) handleGetRun(c *gin.Context) {
	d, err := r.mgr.GetRun(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (r *Router) handleStopRun(c *gin.Context) {
	d, err := r.mgr.StopRun(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (r *Router) handleTimeline(c *gin.Context) {
	maxLanes := intQuery(c, "max_lanes", 8)
	maxEvents := intQuery(c, "max_events", 2000)
	tl, err := r.mgr.GetTimeline(c.Request.Context(), c.Param("id"), maxLanes, maxEvents)
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, tl)
}

func (r *Router) handlePrepareManaged(c *gin.Context) {
	var req PrepareManagedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	prep, err := r.mgr.PrepareManagedRun(manager.ManagedRequest{
		BaseCommand: req.BaseCommand,
		Profiler:    catalog.Profiler(req.Profiler),
		Name:        req.Name,
		ExtraArgs:   req.ExtraArgs,
		JobID:       req.JobID,
	})
	if err != nil {
		c.JSON(statusFor(err), errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, prep)
}

func (r *Router) handleManagedStarted(c *gin.Context) {
	var body struct {
		PID int `json:"pid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	r.mgr.MarkManagedRunStarted(c.Param("id"), body.PID)
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (r *Router) handleManagedFinished(c *gin.Context) {
	var body struct {
		ReturnCode *int   `json:"return_code" binding:"required"`
		Error      string `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	r.mgr.MarkManagedRunFinished(c.Param("id"), *body.ReturnCode, body.Error)
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

// statusFor maps sentinel errors to HTTP codes; anything unmatched is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidCommand),
		errors.Is(err, manager.ErrPathEscape),
		errors.Is(err, manager.ErrDirectoryNotFound),
		errors.Is(err, catalog.ErrUnsupportedProfiler),
		errors.Is(err, catalog.ErrUnsafeArgument),
		errors.Is(err, timeline.ErrInvalidBudget):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrExecutableNotFound):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func sanitizeBase(basePath string) string {
	bp := strings.TrimSpace(basePath)
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimSuffix(bp, "/")
}
