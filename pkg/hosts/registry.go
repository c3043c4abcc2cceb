package hosts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ctf-gg/nerine/internal/caddy"
	"github.com/ctf-gg/nerine/internal/docker"
	"go.uber.org/zap"
)

// Clients are the live API clients for one host.
type Clients struct {
	Keychain *Keychain
	Runtime  docker.Runtime
	Proxy    caddy.Proxy
}

// ClientFactory builds the clients for a keychain.
type ClientFactory func(k *Keychain) (*Clients, error)

type Option func(*Registry)

// WithClientFactory replaces the Docker/Caddy client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(r *Registry) { r.factory = f }
}

// Registry resolves host ids to keychains and caches one set of clients per host.
type Registry struct {
	keychains map[string]*Keychain
	factory   ClientFactory

	mu      sync.Mutex
	clients map[string]*Clients
}

func NewRegistry(keychains []Keychain, opts ...Option) (*Registry, error) {
	if err := validate(keychains); err != nil {
		return nil, err
	}
	r := &Registry{
		keychains: make(map[string]*Keychain, len(keychains)),
		factory:   Dial,
		clients:   make(map[string]*Clients),
	}
	for i := range keychains {
		k := keychains[i]
		if k.Caddy.Server == "" {
			k.Caddy.Server = caddy.DefaultServer
		}
		r.keychains[k.ID] = &k
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the keychain for hostID, or the default keychain when hostID is nil.
func (r *Registry) Resolve(hostID *string) (*Keychain, error) {
	id := DefaultHostID
	if hostID != nil {
		id = *hostID
	}
	k, ok := r.keychains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, id)
	}
	return k, nil
}

// Clients returns the cached clients for hostID, building them on first use.
func (r *Registry) Clients(hostID *string) (*Clients, error) {
	k, err := r.Resolve(hostID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[k.ID]; ok {
		return c, nil
	}
	c, err := r.factory(k)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", k.ID, err)
	}
	zap.S().Infof("Connected clients for host %s", k.ID)
	r.clients[k.ID] = c
	return c, nil
}

// IDs lists the configured host ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.keychains))
	for id := range r.keychains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, c := range r.clients {
		if c.Proxy != nil {
			c.Proxy.Close()
		}
		if c.Runtime != nil {
			if err := c.Runtime.Close(); err != nil {
				errs = append(errs, fmt.Errorf("host %s: %w", id, err))
			}
		}
		delete(r.clients, id)
	}
	return errors.Join(errs...)
}

// Dial is the default ClientFactory. TLS material is only ever parsed in memory.
func Dial(k *Keychain) (*Clients, error) {
	opts := docker.Options{Host: k.Docker.Host}
	if k.Docker.TLS != nil && !strings.HasPrefix(k.Docker.Host, "unix://") {
		cfg, err := clientTLS(k.Docker.TLS.CA, k.Docker.TLS.Cert, k.Docker.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("docker tls: %w", err)
		}
		opts.TLS = cfg
	}
	if a := k.Docker.Auth; a != nil {
		opts.Auth = &docker.RegistryAuth{Username: a.Username, Password: a.Password, ServerAddress: a.ServerAddress}
	}
	rt, err := docker.NewClient(opts)
	if err != nil {
		return nil, err
	}

	caddyOpts := caddy.Options{Endpoint: k.Caddy.Endpoint, Server: k.Caddy.Server}
	if k.Caddy.CACert != "" || k.Caddy.Cert != "" {
		cfg, err := clientTLS(k.Caddy.CACert, k.Caddy.Cert, k.Caddy.Key)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("caddy tls: %w", err)
		}
		caddyOpts.TLS = cfg
	}
	return &Clients{Keychain: k, Runtime: rt, Proxy: caddy.NewClient(caddyOpts)}, nil
}
