package pkg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctf-gg/nerine/internal/caddy"
	"github.com/ctf-gg/nerine/internal/docker"
	"github.com/ctf-gg/nerine/pkg/api"
	"github.com/ctf-gg/nerine/pkg/config"
	"github.com/ctf-gg/nerine/pkg/engine"
	"github.com/ctf-gg/nerine/pkg/hosts"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/ctf-gg/nerine/pkg/worker"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// memRuntime is an in-memory container runtime keyed by container name.
type memRuntime struct {
	mu         sync.Mutex
	containers map[string]docker.ContainerSpec
}

func (m *memRuntime) PullImage(context.Context, string) error { return nil }

func (m *memRuntime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[spec.Name]; ok {
		return "", fmt.Errorf("%w: %s", docker.ErrNameConflict, spec.Name)
	}
	m.containers[spec.Name] = spec
	return spec.Name, nil
}

func (m *memRuntime) StartContainer(context.Context, string) error { return nil }

func (m *memRuntime) ContainerIP(context.Context, string) (string, error) { return "172.18.0.5", nil }

func (m *memRuntime) RemoveContainer(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, name)
	return nil
}

func (m *memRuntime) Close() error { return nil }

func (m *memRuntime) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// caddyAdmin serves the two admin API calls the proxy client makes.
type caddyAdmin struct {
	mu     sync.Mutex
	routes map[string]string // @id -> dial
}

func (c *caddyAdmin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/id/"):
		id := strings.TrimPrefix(r.URL.Path, "/id/")
		if _, ok := c.routes[id]; !ok {
			http.Error(w, "unknown object ID", http.StatusNotFound)
			return
		}
		delete(c.routes, id)
	case r.Method == http.MethodPost && r.URL.Path == "/config/apps/http/servers/srv0/routes":
		b, _ := io.ReadAll(r.Body)
		var route struct {
			ID     string `json:"@id"`
			Handle []struct {
				Upstreams []struct {
					Dial string `json:"dial"`
				} `json:"upstreams"`
			} `json:"handle"`
		}
		if err := json.Unmarshal(b, &route); err != nil || route.ID == "" {
			http.Error(w, "bad route", http.StatusBadRequest)
			return
		}
		c.routes[route.ID] = route.Handle[0].Upstreams[0].Dial
	default:
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}
}

func (c *caddyAdmin) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id := range c.routes {
		out = append(out, id)
	}
	return out
}

type e2eStack struct {
	db    *gorm.DB
	eng   *engine.Engine
	rt    *memRuntime
	admin *caddyAdmin
	do    func(method, path, body string) *httptest.ResponseRecorder
	wait  func()
}

// newE2EStack wires the real engine, proxy client and handlers over an
// in-memory runtime and a fake Caddy admin API.
func newE2EStack(t *testing.T) *e2eStack {
	t.Helper()
	admin := &caddyAdmin{routes: map[string]string{}}
	adminSrv := httptest.NewServer(admin)
	t.Cleanup(adminSrv.Close)
	rt := &memRuntime{containers: map[string]docker.ContainerSpec{}}

	reg, err := hosts.NewRegistry([]hosts.Keychain{{
		ID:     hosts.DefaultHostID,
		Docker: hosts.DockerCreds{Host: "unix:///var/run/docker.sock", Repo: "registry.example.com/ctf"},
		Caddy:  hosts.CaddyCreds{Endpoint: adminSrv.URL, Base: "chall.example.com"},
	}}, hosts.WithClientFactory(func(k *hosts.Keychain) (*hosts.Clients, error) {
		return &hosts.Clients{Keychain: k, Runtime: rt, Proxy: caddy.NewClient(caddy.Options{Endpoint: k.Caddy.Endpoint})}, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	db := newTestDB(t)
	conf := &config.StaticProvider{Cfg: config.Defaults()}
	eng := engine.New(db, testCatalog(t), reg, conf)
	local := worker.NewLocal(eng, zap.S())
	srv := NewServerWithOpts(ServerOpts{DB: db, Catalog: testCatalog(t), ConfigProvider: conf, Dispatcher: local})

	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler
	api.RegisterHandlers(e, srv)
	return &e2eStack{
		db:    db,
		eng:   eng,
		rt:    rt,
		admin: admin,
		do: func(method, path, body string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			return rec
		},
		wait: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, local.Wait(ctx))
		},
	}
}

func TestEndToEnd_StaticHTTPDeployDestroy(t *testing.T) {
	st := newE2EStack(t)
	db, rt, admin, do, wait := st.db, st.rt, st.admin, st.do, st.wait

	rec := do(http.MethodPost, "/deploy_challenge", `{"challenge_id":1,"team_id":null}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	wait()

	rec = do(http.MethodGet, "/deployment?challenge_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status api.DeploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Deployed)
	assert.Nil(t, status.TeamId)
	assert.Nil(t, status.ExpiredAt)

	d, err := models.GetDeployment(db, status.Id, false)
	require.NoError(t, err)
	data, err := d.DecodeData()
	require.NoError(t, err)
	assert.Equal(t, "web100-container", data.ContainerName)
	require.Len(t, data.Ports, 1)
	mapping := data.Ports[8080]
	require.NotNil(t, mapping.HTTP)
	assert.Equal(t, "chall.example.com", mapping.HTTP.Base)
	assert.True(t, strings.HasPrefix(mapping.HTTP.Subdomain, "web100-"))

	routeID := mapping.HTTP.RouteID()
	assert.Equal(t, "proxy-"+mapping.HTTP.Subdomain, routeID)
	assert.Equal(t, []string{routeID}, admin.ids())
	assert.Equal(t, 1, rt.len())

	rec = do(http.MethodPost, "/destroy_challenge", `{"challenge_id":1,"team_id":null}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	wait()

	d, err = models.GetDeployment(db, status.Id, false)
	require.NoError(t, err)
	assert.NotNil(t, d.DestroyedAt)
	assert.False(t, d.Deployed)
	data, err = d.DecodeData()
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Empty(t, admin.ids(), "route %s must be gone", routeID)
	assert.Zero(t, rt.len())

	rec = do(http.MethodGet, "/deployment?challenge_id=1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndToEnd_DeployRecoversAfterCrashedWorker(t *testing.T) {
	st := newE2EStack(t)

	// A previous process inserted the row and created the container, then died.
	d, err := models.CreateDeployment(st.db, chWeb100, nil)
	require.NoError(t, err)
	st.rt.containers["web100-container"] = docker.ContainerSpec{Name: "web100-container"}
	longAgo := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.db.Model(&models.Deployment{}).Where("id = ?", d.ID).
		UpdateColumns(map[string]any{"created_at": longAgo, "updated_at": longAgo}).Error)

	rec := st.do(http.MethodPost, "/deploy_challenge", `{"challenge_id":1,"team_id":null}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "row still active until recovered")

	n, err := st.eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, st.rt.len())

	rec = st.do(http.MethodPost, "/deploy_challenge", `{"challenge_id":1,"team_id":null}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st.wait()

	rec = st.do(http.MethodGet, "/deployment?challenge_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status api.DeploymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Deployed)
	assert.Equal(t, 1, st.rt.len())
}

func TestEndToEnd_DestroyRecoversStalledPending(t *testing.T) {
	st := newE2EStack(t)
	d, err := models.CreateDeployment(st.db, chWeb100, nil)
	require.NoError(t, err)
	longAgo := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.db.Model(&models.Deployment{}).Where("id = ?", d.ID).
		UpdateColumns(map[string]any{"created_at": longAgo, "updated_at": longAgo}).Error)

	rec := st.do(http.MethodPost, "/destroy_challenge", `{"challenge_id":1,"team_id":null}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st.wait()

	rec = st.do(http.MethodPost, "/deploy_challenge", `{"challenge_id":1,"team_id":null}`)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	st.wait()
}
