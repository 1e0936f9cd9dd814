package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/fleetd/internal/api"
	"github.com/loykin/fleetd/internal/auth"
	"github.com/loykin/fleetd/internal/config"
	"github.com/loykin/fleetd/internal/coordinator"
	"github.com/loykin/fleetd/internal/daemon"
	"github.com/loykin/fleetd/internal/procproxy"
	"github.com/loykin/fleetd/internal/store"
	"github.com/loykin/fleetd/internal/store/memory"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setupRouter(t *testing.T, st store.Store, opts Options) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if st == nil {
		st = memory.New()
	}
	c := coordinator.New(coordinator.Options{
		Store:  st,
		Build:  coordinator.StaticBuild("build-7"),
		Logger: quiet(),
	})
	t.Cleanup(c.Close)
	opts.Logger = quiet()
	return NewRouter(c, opts).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createDaemon(t *testing.T, h http.Handler, name, server string, target daemon.Status) {
	t.Helper()
	spec := daemon.NewSpec(name)
	spec.StartCommand = []string{"/bin/" + name}
	spec.PIDFile = "/tmp/" + name + ".pid"
	spec.Server = server
	rec := doReq(t, h, http.MethodPost, "/api/v1/admin/daemons", spec)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	if target == daemon.StatusRunning {
		rec = doReq(t, h, http.MethodPost, "/api/v1/admin/daemons/"+name+"/target", api.TargetRequest{Status: target})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestNoopAndBuild(t *testing.T) {
	h := setupRouter(t, nil, Options{BasePath: "/fleet/"})
	rec := doReq(t, h, http.MethodGet, "/fleet/api/v1/noop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/fleet/api/v1/build", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "build-7", decode[api.BuildResponse](t, rec).Build)

	rec = doReq(t, h, http.MethodGet, "/api/v1/noop", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionRoundTrip(t *testing.T) {
	h := setupRouter(t, nil, Options{})
	createDaemon(t, h, "web", "host1", daemon.StatusRunning)

	next := api.NextActionRequest{APIVersion: api.Version, Hostname: "host1", Session: "s1"}
	rec := doReq(t, h, http.MethodPost, "/api/v1/actions/next", next)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.NextActionResponse](t, rec)
	require.NotNil(t, resp.Action)
	assert.Equal(t, daemon.ActionStart, resp.Action.Kind)
	assert.Equal(t, "web", resp.Action.Daemon.Name)

	// asking again without acknowledging is rejected
	next.LastActionID = 0
	rec = doReq(t, h, http.MethodPost, "/api/v1/actions/next", next)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, api.CodeConflict, decode[api.ErrorResponse](t, rec).Code)

	done := api.CompleteActionRequest{APIVersion: api.Version, Hostname: "host1", Session: "s1", Action: *resp.Action}
	rec = doReq(t, h, http.MethodPost, "/api/v1/actions/complete", done)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/v1/admin/daemons/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, daemon.StatusRunning, decode[daemon.Spec](t, rec).Status)

	next.Running = []string{"web"}
	next.LastActionID = resp.Action.ID
	rec = doReq(t, h, http.MethodPost, "/api/v1/actions/next", next)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decode[api.NextActionResponse](t, rec).Action)
}

func TestNextActionValidation(t *testing.T) {
	h := setupRouter(t, nil, Options{})
	rec := doReq(t, h, http.MethodPost, "/api/v1/actions/next", api.NextActionRequest{APIVersion: "v9", Hostname: "h"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/actions/next", api.NextActionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, api.CodeBadRequest, decode[api.ErrorResponse](t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/next", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestLeaseRoutes(t *testing.T) {
	h := setupRouter(t, nil, Options{})
	rec := doReq(t, h, http.MethodPost, "/api/v1/leases/register", api.LeaseRequest{Name: "job", Hostname: "h1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.LeaseResponse](t, rec).Granted)

	rec = doReq(t, h, http.MethodPost, "/api/v1/leases/register", api.LeaseRequest{Name: "job", Hostname: "h2"})
	assert.False(t, decode[api.LeaseResponse](t, rec).Granted)

	rec = doReq(t, h, http.MethodPost, "/api/v1/leases/assert", api.LeaseRequest{Name: "job", Hostname: "H1"})
	assert.True(t, decode[api.LeaseResponse](t, rec).Granted)

	rec = doReq(t, h, http.MethodGet, "/api/v1/leases", nil)
	leases := decode[api.LeasesResponse](t, rec).Leases
	require.Len(t, leases, 1)
	assert.Equal(t, "h1", leases[0].Owner)

	rec = doReq(t, h, http.MethodPost, "/api/v1/leases/free", api.LeaseRequest{Name: "job", Hostname: "h1"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/v1/leases", nil)
	assert.Empty(t, decode[api.LeasesResponse](t, rec).Leases)

	rec = doReq(t, h, http.MethodPost, "/api/v1/leases/register", api.LeaseRequest{Name: "job"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	h := setupRouter(t, nil, Options{})
	createDaemon(t, h, "a", "h1", daemon.StatusStopped)
	createDaemon(t, h, "b", "h2", daemon.StatusRunning)

	spec := daemon.NewSpec("a")
	rec := doReq(t, h, http.MethodPost, "/api/v1/admin/daemons", spec)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/admin/daemons", daemon.NewSpec("../etc"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/v1/admin/daemons", nil)
	assert.Len(t, decode[api.DaemonsResponse](t, rec).Daemons, 2)
	rec = doReq(t, h, http.MethodGet, "/api/v1/admin/daemons?status=running", nil)
	assert.Empty(t, decode[api.DaemonsResponse](t, rec).Daemons)
	rec = doReq(t, h, http.MethodGet, "/api/v1/admin/daemons?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pid := "/run/a.pid"
	rec = doReq(t, h, http.MethodPatch, "/api/v1/admin/daemons/a", api.DaemonPatch{PIDFile: &pid})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, pid, decode[daemon.Spec](t, rec).PIDFile)

	rec = doReq(t, h, http.MethodPatch, "/api/v1/admin/daemons/a", api.DaemonPatch{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	put := daemon.NewSpec("other")
	rec = doReq(t, h, http.MethodPut, "/api/v1/admin/daemons/a", put)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	put.Name = "c"
	put.MaxRuntime = time.Hour
	rec = doReq(t, h, http.MethodPut, "/api/v1/admin/daemons/c", put)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/admin/daemons/a/target", api.TargetRequest{Status: "SLEEPING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/v1/admin/servers", nil)
	servers := decode[api.ServersResponse](t, rec).Servers
	require.Len(t, servers, 2)
	assert.Equal(t, "h1", servers[0].Hostname)

	rec = doReq(t, h, http.MethodDelete, "/api/v1/admin/daemons/a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodDelete, "/api/v1/admin/daemons/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/v1/admin/daemons/a", nil)
	assert.Equal(t, api.CodeNotFound, decode[api.ErrorResponse](t, rec).Code)

	rec = doReq(t, h, http.MethodGet, "/api/v1/daemons", nil)
	assert.Len(t, decode[api.DaemonsResponse](t, rec).Daemons, 2)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) ListDaemons(context.Context) ([]daemon.Spec, error) {
	return nil, errors.New("connection refused")
}

func TestStorageFailureIs503(t *testing.T) {
	h := setupRouter(t, brokenStore{Store: memory.New()}, Options{})
	rec := doReq(t, h, http.MethodGet, "/api/v1/daemons", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, api.CodeStorageFailure, decode[api.ErrorResponse](t, rec).Code)
}

func TestProcessProxyRoutes(t *testing.T) {
	h := setupRouter(t, nil, Options{})
	rec := doReq(t, h, http.MethodGet, "/api/v1/process/alive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "proxy disabled by default")

	proxy := procproxy.New(quiet())
	t.Cleanup(proxy.Destroy)
	h = setupRouter(t, nil, Options{Proxy: proxy})

	rec = doReq(t, h, http.MethodGet, "/api/v1/process/stdout", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/process/start", api.StartProcessRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/v1/process/start", api.StartProcessRequest{Command: []string{"cat"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doReq(t, h, http.MethodGet, "/api/v1/process/alive", nil)
	assert.True(t, decode[api.ProcessAliveResponse](t, rec).Alive)

	rec = doReq(t, h, http.MethodPost, "/api/v1/process/stdin", api.ProcessDataRequest{Data: []byte("ping\n")})
	require.Equal(t, http.StatusOK, rec.Code)

	var got []byte
	assert.Eventually(t, func() bool {
		rec := doReq(t, h, http.MethodGet, "/api/v1/process/stdout", nil)
		got = append(got, decode[api.ProcessDataResponse](t, rec).Data...)
		return string(got) == "ping\n"
	}, 5*time.Second, 20*time.Millisecond)

	rec = doReq(t, h, http.MethodPost, "/api/v1/process/destroy", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/v1/process/alive", nil)
	assert.False(t, decode[api.ProcessAliveResponse](t, rec).Alive)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	a, err := auth.New(config.AuthConfig{Enabled: true, Users: []config.UserConfig{{Username: "ops", PasswordHash: string(hash)}}})
	require.NoError(t, err)
	h := setupRouter(t, nil, Options{Auth: a, Metrics: true})

	rec := doReq(t, h, http.MethodGet, "/api/v1/noop", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/noop", nil)
	req.SetBasicAuth("ops", "pw")
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "abc": "/abc", "/abc/": "/abc", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), in)
	}
}

func TestNewServerTimeouts(t *testing.T) {
	s := NewServer(":0", http.NewServeMux())
	assert.Equal(t, 10*time.Second, s.ReadHeaderTimeout)
	assert.Equal(t, 60*time.Second, s.IdleTimeout)
}
