package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/binarydrop/internal/app"
	mng "github.com/loykin/binarydrop/internal/manager"
)

// Router provides the administrative REST API:
//
//	GET    {base}/healthz
//	GET    {base}/apps
//	POST   {base}/apps                    body: {"name": "..."}
//	GET    {base}/apps/:name
//	DELETE {base}/apps/:name
//	POST   {base}/apps/:name/start|stop|restart
//	GET    {base}/apps/:name/logs         query: lines=N&follow=bool
//	POST   {base}/apps/:name/deploy       multipart field "binary"
//	POST   {base}/apps/:name/env          body: {"key", "value", "delete"}
//	GET    {base}/apps/:name/history      query: limit=N
//	GET    {base}/apps/:name/stats
//	PUT    {base}/apps/:name/health       body: HealthCheck
//	DELETE {base}/apps/:name/health
//	POST   {base}/apps/:name/health/check
//	PUT    {base}/apps/:name/policy       body: {"restart_policy", "max_restarts"}
//	GET    {base}/metrics                 when a metrics handler is configured
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	metrics  http.Handler
	logger   *slog.Logger
}

type Options struct {
	BasePath string
	// Metrics is served at {base}/metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}

func NewRouter(mgr *mng.Manager, o Options) *Router {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Router{
		mgr:      mgr,
		basePath: sanitizeBase(o.BasePath),
		metrics:  o.Metrics,
		logger:   o.Logger.With("component", "admin-api"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}

	group.GET("/apps", r.handleList)
	group.POST("/apps", r.handleCreate)
	apps := group.Group("/apps/:name")
	apps.GET("", r.handleGet)
	apps.DELETE("", r.handleDelete)
	apps.POST("/start", r.handleStart)
	apps.POST("/stop", r.handleStop)
	apps.POST("/restart", r.handleRestart)
	apps.GET("/logs", r.handleLogs)
	apps.POST("/deploy", r.handleDeploy)
	apps.POST("/env", r.handleEnv)
	apps.GET("/history", r.handleHistory)
	apps.GET("/stats", r.handleStats)
	apps.PUT("/health", r.handleSetHealth)
	apps.DELETE("/health", r.handleClearHealth)
	apps.POST("/health/check", r.handleCheckHealth)
	apps.PUT("/policy", r.handlePolicy)
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type createReq struct {
	Name string `json:"name"`
}

type envReq struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Delete bool   `json:"delete"`
}

type policyReq struct {
	RestartPolicy string `json:"restart_policy"`
	MaxRestarts   *int   `json:"max_restarts"`
}

type healthResp struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (r *Router) handleList(c *gin.Context) {
	apps, err := r.mgr.List(c.Request.Context())
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, apps)
}

func (r *Router) handleCreate(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	a, err := r.mgr.Create(c.Request.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, a)
}

func (r *Router) handleGet(c *gin.Context) {
	a, err := r.mgr.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Request.Context(), c.Param("name")); err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, r.mgr.Start)
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, r.mgr.Stop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycle(c, r.mgr.Restart)
}

// lifecycle runs op and answers with the resulting record.
func (r *Router) lifecycle(c *gin.Context, op func(ctx context.Context, name string) error) {
	name := c.Param("name")
	ctx := c.Request.Context()
	if err := op(ctx, name); err != nil {
		r.writeError(c, err)
		return
	}
	a, err := r.mgr.Get(ctx, name)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()
	lines := 0
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	follow, err := parseBool(c.Query("follow"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid follow: " + err.Error()})
		return
	}

	recent, err := r.mgr.Logs(ctx, name, lines)
	if err != nil {
		r.writeError(c, err)
		return
	}
	if !follow {
		var b strings.Builder
		for _, l := range recent {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
		return
	}

	ch, err := r.mgr.Follow(ctx, name)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	for _, l := range recent {
		writeEvent(c.Writer, l)
	}
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case line, ok := <-ch:
			if !ok {
				return false
			}
			writeEvent(w, line)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func writeEvent(w io.Writer, line string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
}

func (r *Router) handleDeploy(c *gin.Context) {
	fh, err := c.FormFile("binary")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "multipart field \"binary\" required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	defer func() { _ = f.Close() }()
	res, err := r.mgr.Deploy(c.Request.Context(), c.Param("name"), f)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleEnv(c *gin.Context) {
	var req envReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	a, err := r.mgr.SetEnv(c.Request.Context(), c.Param("name"), req.Key, req.Value, req.Delete)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := r.mgr.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, runs)
}

func (r *Router) handleStats(c *gin.Context) {
	st, err := r.mgr.Stats(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleSetHealth(c *gin.Context) {
	var hc app.HealthCheck
	if err := c.ShouldBindJSON(&hc); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	a, err := r.mgr.SetHealthCheck(c.Request.Context(), c.Param("name"), &hc)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (r *Router) handleClearHealth(c *gin.Context) {
	a, err := r.mgr.SetHealthCheck(c.Request.Context(), c.Param("name"), nil)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

// handleCheckHealth reports an unhealthy app with 200 and healthy=false; only
// lookup and infrastructure failures use error statuses.
func (r *Router) handleCheckHealth(c *gin.Context) {
	err := r.mgr.CheckHealth(c.Request.Context(), c.Param("name"))
	if err != nil {
		var ae *app.Error
		if errors.As(err, &ae) {
			r.writeError(c, err)
			return
		}
		writeJSON(c, http.StatusOK, healthResp{Healthy: false, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Healthy: true})
}

func (r *Router) handlePolicy(c *gin.Context) {
	var req policyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	policy, ok := app.ParseRestartPolicy(req.RestartPolicy)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("unknown restart_policy %q", req.RestartPolicy)})
		return
	}
	a, err := r.mgr.SetRestartPolicy(c.Request.Context(), c.Param("name"), policy, req.MaxRestarts)
	if err != nil {
		r.writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}
