package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctf-gg/nerine/internal/caddy"
	"github.com/ctf-gg/nerine/internal/challenge"
	"github.com/ctf-gg/nerine/internal/docker"
	"github.com/ctf-gg/nerine/pkg/config"
	"github.com/ctf-gg/nerine/pkg/hosts"
	"github.com/ctf-gg/nerine/pkg/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// ---------------------------------------------------------------------------
// Fake Docker runtime
// ---------------------------------------------------------------------------

type fakeContainer struct {
	ID      string
	Spec    docker.ContainerSpec
	Running bool
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // by name
	pulled     []string
	removed    []string
	fail       map[string]error // keyed by method: pull, create, start, ip, remove
	createHook func()
	removeHook func()
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]*fakeContainer{}, fail: map[string]error{}}
}

func (f *fakeRuntime) setFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["pull"]; err != nil {
		return err
	}
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	if f.createHook != nil {
		f.createHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["create"]; err != nil {
		return "", err
	}
	if _, ok := f.containers[spec.Name]; ok {
		return "", fmt.Errorf("%w: %s", docker.ErrNameConflict, spec.Name)
	}
	c := &fakeContainer{ID: "id-" + spec.Name, Spec: spec}
	f.containers[spec.Name] = c
	return c.ID, nil
}

func (f *fakeRuntime) find(nameOrID string) *fakeContainer {
	if c, ok := f.containers[nameOrID]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.ID == nameOrID {
			return c
		}
	}
	return nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["start"]; err != nil {
		return err
	}
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("no such container %s", id)
	}
	c.Running = true
	return nil
}

func (f *fakeRuntime) ContainerIP(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["ip"]; err != nil {
		return "", err
	}
	if f.find(id) == nil {
		return "", fmt.Errorf("no such container %s", id)
	}
	return "172.17.0.2", nil
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, nameOrID string) error {
	if f.removeHook != nil {
		f.removeHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["remove"]; err != nil {
		return err
	}
	if c := f.find(nameOrID); c != nil {
		delete(f.containers, c.Spec.Name)
		f.removed = append(f.removed, c.Spec.Name)
	}
	return nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.containers {
		out = append(out, name)
	}
	return out
}

func (f *fakeRuntime) removals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRuntime) container(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

// ---------------------------------------------------------------------------
// Fake Caddy proxy
// ---------------------------------------------------------------------------

type fakeProxy struct {
	mu      sync.Mutex
	routes  map[string]caddy.Route
	deletes int
	fail    map[string]error // add, delete
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{routes: map[string]caddy.Route{}, fail: map[string]error{}}
}

func (p *fakeProxy) setFail(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[method] = err
}

func (p *fakeProxy) DeleteRoute(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail["delete"]; err != nil {
		return err
	}
	p.deletes++
	delete(p.routes, id)
	return nil
}

func (p *fakeProxy) AddRoute(_ context.Context, r caddy.Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail["add"]; err != nil {
		return err
	}
	if _, ok := p.routes[r.ID]; ok {
		return fmt.Errorf("duplicate route %s", r.ID)
	}
	p.routes[r.ID] = r
	return nil
}

func (p *fakeProxy) Close() {}

func (p *fakeProxy) route(id string) (caddy.Route, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[id]
	return r, ok
}

func (p *fakeProxy) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.routes)
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (n *recordingNotifier) NotifyChange(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func ptr[T any](v T) *T { return &v }

func testCatalog(t *testing.T) challenge.Catalog {
	t.Helper()
	idx, err := challenge.NewIndexFrom(
		&challenge.Challenge{
			ID: "web100", Name: "Cookie Jar", Category: "web",
			Container: &challenge.Container{
				Build:    ".",
				Expose:   map[uint16]challenge.ExposeType{8080: challenge.ExposeHTTP},
				Strategy: challenge.StrategyStatic,
			},
		},
		&challenge.Challenge{
			ID: "pwn1", Name: "Baby BOF", Category: "pwn",
			Container: &challenge.Container{
				Build:    ".",
				Limits:   &challenge.Limits{CPU: ptr(uint64(500)), Mem: ptr(uint64(128))},
				Env:      map[string]string{"FLAG": "ctf{x}"},
				Expose:   map[uint16]challenge.ExposeType{1337: challenge.ExposeTCP},
				Strategy: challenge.StrategyInstanced,
			},
		},
		&challenge.Challenge{
			ID: "webinst", Name: "Per Team Web", Category: "web",
			Container: &challenge.Container{
				Build: ".",
				Expose: map[uint16]challenge.ExposeType{
					80:    challenge.ExposeHTTP,
					8443:  challenge.ExposeHTTP,
					31337: challenge.ExposeTCP,
				},
				Strategy: challenge.StrategyInstanced,
			},
		},
		&challenge.Challenge{ID: "trivia", Name: "No Container", Category: "misc"},
	)
	require.NoError(t, err)
	return idx
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db, true))

	for i, slug := range []string{"web100", "pwn1", "webinst", "trivia", "ghost"} {
		require.NoError(t, db.Create(&models.Challenge{ID: int64(i + 1), PublicID: slug}).Error)
	}
	require.NoError(t, db.Create(&models.Team{ID: 7, PublicID: "team-seven"}).Error)
	require.NoError(t, db.Create(&models.Team{ID: 8, PublicID: "team-eight"}).Error)
	return db
}

const (
	chWeb100  int64 = 1
	chPwn1    int64 = 2
	chWebInst int64 = 3
	chTrivia  int64 = 4
	chGhost   int64 = 5 // in the database but not in the catalog
)

type harness struct {
	engine   *Engine
	db       *gorm.DB
	runtime  *fakeRuntime
	proxy    *fakeProxy
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, newTestDB(t), newFakeRuntime(), newFakeProxy())
}

func newHarnessWith(t *testing.T, db *gorm.DB, rt *fakeRuntime, px *fakeProxy) *harness {
	t.Helper()
	reg, err := hosts.NewRegistry([]hosts.Keychain{{
		ID: "default",
		Docker: hosts.DockerCreds{
			Host: "unix:///var/run/docker.sock", Repo: "registry.example.com/ctf", ImagePrefix: "chall-",
		},
		Caddy: hosts.CaddyCreds{Endpoint: "http://caddy:2019", Base: "chall.example.com"},
	}}, hosts.WithClientFactory(func(k *hosts.Keychain) (*hosts.Clients, error) {
		return &hosts.Clients{Keychain: k, Runtime: rt, Proxy: px}, nil
	}))
	require.NoError(t, err)

	var port atomic.Uint32
	port.Store(40000)
	conf := &config.StaticProvider{Cfg: config.Defaults()}
	e := New(db, testCatalog(t), reg, conf, WithPortAllocator(func() (uint16, error) {
		return uint16(port.Add(1)), nil
	}))
	n := &recordingNotifier{}
	e.SetExpiryNotifier(n)
	return &harness{engine: e, db: db, runtime: rt, proxy: px, notifier: n}
}

func (h *harness) pending(t *testing.T, challengeID int64, teamID *int64) *models.Deployment {
	t.Helper()
	d, err := models.CreateDeployment(h.db, challengeID, teamID)
	require.NoError(t, err)
	return d
}

func (h *harness) reload(t *testing.T, id int64) *models.Deployment {
	t.Helper()
	d, err := models.GetDeployment(h.db, id, false)
	require.NoError(t, err)
	return d
}

func (h *harness) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.Deployment{}).Count(&n).Error)
	return n
}

// backdate moves a record's timestamps into the past, as if its worker had
// died long ago.
func (h *harness) backdate(t *testing.T, id int64, age time.Duration) {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	require.NoError(t, h.db.Model(&models.Deployment{}).Where("id = ?", id).
		UpdateColumns(map[string]any{"created_at": at, "updated_at": at}).Error)
}

func routeFixture(id, upstream string) caddy.Route {
	return caddy.Route{ID: id, Host: "stale.example.com", Upstream: upstream}
}
