package engine

import (
	"time"

	"github.com/ctf-gg/nerine/internal/challenge"
	"github.com/ctf-gg/nerine/pkg/config"
	"github.com/ctf-gg/nerine/pkg/hosts"
	"gorm.io/gorm"
)

const DefaultInstanceTTL = 10 * time.Minute

// ExpiryNotifier is told about every new instanced deployment so it can
// schedule its teardown.
type ExpiryNotifier interface {
	NotifyChange(deploymentID int64)
}

// Engine provisions and tears down challenge containers. It is safe for
// concurrent use; all shared state lives in the database and the host registry.
type Engine struct {
	db       *gorm.DB
	catalog  challenge.Catalog
	hosts    *hosts.Registry
	conf     config.Provider
	notifier ExpiryNotifier

	allocPort func() (uint16, error)
	now       func() time.Time
}

type Option func(*Engine)

// WithPortAllocator replaces FreePort, mainly for tests.
func WithPortAllocator(f func() (uint16, error)) Option {
	return func(e *Engine) { e.allocPort = f }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(db *gorm.DB, catalog challenge.Catalog, registry *hosts.Registry, conf config.Provider, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		catalog:   catalog,
		hosts:     registry,
		conf:      conf,
		allocPort: FreePort,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetExpiryNotifier wires the scheduler after construction; the scheduler
// itself needs the engine to destroy expired deployments.
func (e *Engine) SetExpiryNotifier(n ExpiryNotifier) {
	e.notifier = n
}

func (e *Engine) instanceTTL() time.Duration {
	if e.conf != nil {
		if cfg := e.conf.GetConfig(); cfg != nil && cfg.Deployer.InstanceTTL > 0 {
			return cfg.Deployer.InstanceTTL
		}
	}
	return DefaultInstanceTTL
}

// DefaultStallTimeout must exceed the longest a worker may spend on one job.
const DefaultStallTimeout = 15 * time.Minute

func (e *Engine) stallTimeout() time.Duration {
	if e.conf != nil {
		if cfg := e.conf.GetConfig(); cfg != nil && cfg.Deployer.StallTimeout > 0 {
			return cfg.Deployer.StallTimeout
		}
	}
	return DefaultStallTimeout
}
