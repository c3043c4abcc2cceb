package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// HostMapping is where one exposed container port is published: either a raw
// host TCP port or an HTTP subdomain behind the proxy. Exactly one is set.
type HostMapping struct {
	TCP  *uint16      `json:"tcp,omitempty"`
	HTTP *HTTPMapping `json:"http,omitempty"`
}

type HTTPMapping struct {
	Subdomain string `json:"subdomain"`
	Base      string `json:"base"`
}

func TCPMapping(port uint16) HostMapping {
	return HostMapping{TCP: &port}
}

func SubdomainMapping(subdomain, base string) HostMapping {
	return HostMapping{HTTP: &HTTPMapping{Subdomain: subdomain, Base: base}}
}

// Host returns the fully qualified host name of an HTTP mapping.
func (m HTTPMapping) Host() string {
	return m.Subdomain + "." + m.Base
}

// RouteID is the proxy route identifier owned by an HTTP mapping.
func (m HTTPMapping) RouteID() string {
	return "proxy-" + m.Subdomain
}

func (m HostMapping) String() string {
	switch {
	case m.TCP != nil:
		return fmt.Sprintf("tcp:%d", *m.TCP)
	case m.HTTP != nil:
		return "http:" + m.HTTP.Host()
	}
	return "invalid"
}

func (m *HostMapping) UnmarshalJSON(b []byte) error {
	type plain HostMapping
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if (p.TCP == nil) == (p.HTTP == nil) {
		return errors.New("host mapping must be exactly one of tcp or http")
	}
	*m = HostMapping(p)
	return nil
}

// DeploymentData is the JSON stored in deployments.data once a deployment is live.
type DeploymentData struct {
	ContainerName string                 `json:"container_name"`
	Host          string                 `json:"host,omitempty"`
	Ports         map[uint16]HostMapping `json:"ports"`
}

// HTTPMappings returns the HTTP mappings in the data, in no particular order.
func (d *DeploymentData) HTTPMappings() []HTTPMapping {
	var out []HTTPMapping
	for _, m := range d.Ports {
		if m.HTTP != nil {
			out = append(out, *m.HTTP)
		}
	}
	return out
}
