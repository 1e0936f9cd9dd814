// Package server exposes the coordinator over HTTP.
//
// Routes are mounted under {basePath}/api/v1:
//
//	GET  /noop, /build, /daemons, /leases
//	POST /actions/next, /actions/complete
//	POST /leases/register, /leases/assert, /leases/free
//	POST /process/start, /process/stdin, /process/destroy
//	GET  /process/stdout, /process/stderr, /process/alive
//	     /admin/daemons[/:name[/target]], /admin/servers
//
// and {basePath}/metrics when metrics are enabled.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/auth"
	"github.com/loykin/fleetd/internal/coordinator"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/metrics"
	"github.com/loykin/fleetd/internal/procproxy"
	"github.com/loykin/fleetd/internal/store"
)

type Options struct {
	BasePath string
	// Proxy enables the process proxy routes when non-nil.
	Proxy   *procproxy.Proxy
	Auth    *auth.Authenticator
	Metrics bool
	Logger  *slog.Logger
}

type Router struct {
	coord    *coordinator.Coordinator
	proxy    *procproxy.Proxy
	auth     *auth.Authenticator
	metrics  bool
	basePath string
	log      *slog.Logger
}

func NewRouter(coord *coordinator.Coordinator, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		coord:    coord,
		proxy:    opts.Proxy,
		auth:     opts.Auth,
		metrics:  opts.Metrics,
		basePath: sanitizeBase(opts.BasePath),
		log:      log.With("component", "http"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	base := g.Group(r.basePath)
	if r.metrics {
		base.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	v1 := base.Group(api.Prefix)
	v1.Use(r.auth.GinAuth())
	v1.GET("/noop", r.handleNoop)
	v1.GET("/build", r.handleBuild)
	v1.POST("/actions/next", r.handleNextAction)
	v1.POST("/actions/complete", r.handleCompleteAction)
	v1.GET("/daemons", r.handleKnownDaemons)

	v1.POST("/leases/register", r.handleLease(r.coord.RegisterLease))
	v1.POST("/leases/assert", r.handleLease(r.coord.AssertLease))
	v1.POST("/leases/free", r.handleFreeLease)
	v1.GET("/leases", r.handleListLeases)

	if r.proxy != nil {
		p := v1.Group("/process")
		p.POST("/start", r.handleProcessStart)
		p.GET("/stdout", r.handleProcessRead(r.proxy.ReadOut))
		p.GET("/stderr", r.handleProcessRead(r.proxy.ReadErr))
		p.GET("/alive", r.handleProcessAlive)
		p.POST("/stdin", r.handleProcessStdin)
		p.POST("/destroy", r.handleProcessDestroy)
	}

	adm := v1.Group("/admin")
	adm.GET("/daemons", r.handleListDaemons)
	adm.POST("/daemons", r.handleCreateDaemon)
	adm.GET("/daemons/:name", r.handleGetDaemon)
	adm.PUT("/daemons/:name", r.handlePutDaemon)
	adm.PATCH("/daemons/:name", r.handlePatchDaemon)
	adm.DELETE("/daemons/:name", r.handleDeleteDaemon)
	adm.POST("/daemons/:name/target", r.handleSetTarget)
	adm.GET("/servers", r.handleServers)
	return g
}

// NewServer builds an http.Server for the router. The caller runs
// ListenAndServe (or ServeTLS) and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- RPC handlers ---

func (r *Router) handleNoop(c *gin.Context) {
	if err := r.coord.Noop(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleBuild(c *gin.Context) {
	b, err := r.coord.BuildNumber(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.BuildResponse{Build: b})
}

func (r *Router) handleNextAction(c *gin.Context) {
	var req api.NextActionRequest
	if !bind(c, &req) {
		return
	}
	if err := api.CheckVersion(req.APIVersion); err != nil {
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}
	a, err := r.coord.NextAction(c.Request.Context(), req)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.NextActionResponse{APIVersion: api.Version, Action: a})
}

func (r *Router) handleCompleteAction(c *gin.Context) {
	var req api.CompleteActionRequest
	if !bind(c, &req) {
		return
	}
	if err := api.CheckVersion(req.APIVersion); err != nil {
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}
	if err := r.coord.CompleteAction(c.Request.Context(), req); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleKnownDaemons(c *gin.Context) {
	ds, err := r.coord.KnownDaemons(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.DaemonsResponse{Daemons: nonNil(ds)})
}

func (r *Router) handleLease(op func(ctx context.Context, name, host string) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.LeaseRequest
		if !bindLease(c, &req) {
			return
		}
		ok, err := op(c.Request.Context(), req.Name, req.Hostname)
		if err != nil {
			r.fail(c, err)
			return
		}
		writeJSON(c, http.StatusOK, api.LeaseResponse{Granted: ok})
	}
}

func (r *Router) handleFreeLease(c *gin.Context) {
	var req api.LeaseRequest
	if !bindLease(c, &req) {
		return
	}
	if err := r.coord.FreeLease(c.Request.Context(), req.Name, req.Hostname); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleListLeases(c *gin.Context) {
	entries := r.coord.Leases()
	out := make([]api.Lease, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.Lease{Name: e.Name, Owner: e.Owner, ExpiresAt: e.ExpiresAt})
	}
	writeJSON(c, http.StatusOK, api.LeasesResponse{Leases: out})
}

// --- process proxy ---

func (r *Router) handleProcessStart(c *gin.Context) {
	var req api.StartProcessRequest
	if !bind(c, &req) {
		return
	}
	if len(req.Command) == 0 {
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, "command required")
		return
	}
	if err := r.proxy.Start(req.Command); err != nil {
		r.log.Warn("process proxy start failed", "command", req.Command, "error", err)
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
		return
	}
	r.log.Info("process proxy started", "command", req.Command, "remote", c.ClientIP())
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleProcessRead(read func() ([]byte, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := read()
		if err != nil {
			r.fail(c, err)
			return
		}
		writeJSON(c, http.StatusOK, api.ProcessDataResponse{Data: b})
	}
}

func (r *Router) handleProcessAlive(c *gin.Context) {
	writeJSON(c, http.StatusOK, api.ProcessAliveResponse{Alive: r.proxy.Alive()})
}

func (r *Router) handleProcessStdin(c *gin.Context) {
	var req api.ProcessDataRequest
	if !bind(c, &req) {
		return
	}
	if err := r.proxy.Send(req.Data); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleProcessDestroy(c *gin.Context) {
	r.proxy.Destroy()
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

// --- administration ---

func (r *Router) handleListDaemons(c *gin.Context) {
	ds, err := r.coord.KnownDaemons(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	if st := c.Query("status"); st != "" {
		want, err := daemon.ParseStatus(st)
		if err != nil {
			writeError(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
			return
		}
		filtered := ds[:0]
		for _, d := range ds {
			if d.Status == want {
				filtered = append(filtered, d)
			}
		}
		ds = filtered
	}
	writeJSON(c, http.StatusOK, api.DaemonsResponse{Daemons: nonNil(ds)})
}

func (r *Router) handleCreateDaemon(c *gin.Context) {
	spec := daemon.NewSpec("")
	if !bind(c, &spec) {
		return
	}
	if err := r.coord.CreateDaemon(c.Request.Context(), spec); err != nil {
		r.fail(c, err)
		return
	}
	created, err := r.coord.GetDaemon(c.Request.Context(), spec.Name)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, created)
}

func (r *Router) handleGetDaemon(c *gin.Context) {
	spec, err := r.coord.GetDaemon(c.Request.Context(), c.Param("name"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, spec)
}

func (r *Router) handlePutDaemon(c *gin.Context) {
	spec := daemon.NewSpec("")
	if !bind(c, &spec) {
		return
	}
	if spec.Name == "" {
		spec.Name = c.Param("name")
	}
	if spec.Name != c.Param("name") {
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, "name in body does not match path")
		return
	}
	if err := r.coord.PutDaemon(c.Request.Context(), spec); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handlePatchDaemon(c *gin.Context) {
	var p api.DaemonPatch
	if !bind(c, &p) {
		return
	}
	spec, err := r.coord.PatchDaemon(c.Request.Context(), c.Param("name"), p)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, spec)
}

func (r *Router) handleDeleteDaemon(c *gin.Context) {
	if err := r.coord.DeleteDaemon(c.Request.Context(), c.Param("name")); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleSetTarget(c *gin.Context) {
	var req api.TargetRequest
	if !bind(c, &req) {
		return
	}
	if err := r.coord.SetTarget(c.Request.Context(), c.Param("name"), req.Status); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, api.OKResponse{OK: true})
}

func (r *Router) handleServers(c *gin.Context) {
	servers, err := r.coord.Servers(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	if servers == nil {
		servers = []daemon.Server{}
	}
	writeJSON(c, http.StatusOK, api.ServersResponse{Servers: servers})
}

// fail maps domain errors onto status codes and api error codes.
func (r *Router) fail(c *gin.Context, err error) {
	var se *coordinator.StorageError
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest), errors.Is(err, daemon.ErrInvalidName):
		writeError(c, http.StatusBadRequest, api.CodeBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, procproxy.ErrNoProcess):
		writeError(c, http.StatusNotFound, api.CodeNotFound, err.Error())
	case errors.Is(err, store.ErrExists), errors.Is(err, coordinator.ErrActionOutstanding):
		writeError(c, http.StatusConflict, api.CodeConflict, err.Error())
	case errors.As(err, &se):
		r.log.Error("storage failure", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusServiceUnavailable, api.CodeStorageFailure, err.Error())
	default:
		r.log.Error("request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, api.CodeInternal, err.Error())
	}
}

func nonNil(ds []daemon.Spec) []daemon.Spec {
	if ds == nil {
		return []daemon.Spec{}
	}
	return ds
}
