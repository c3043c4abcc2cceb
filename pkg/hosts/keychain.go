package hosts

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	yaml "github.com/oasdiff/yaml3"
)

const DefaultHostID = "default"

var (
	ErrDuplicateKey   = errors.New("duplicate host keychain id")
	ErrMissingDefault = errors.New("no default host keychain")
	ErrUnknownHost    = errors.New("unknown host keychain")
	ErrIncomplete     = errors.New("incomplete host keychain")
)

// Keychain holds the endpoints and credentials for one deployment host.
// Only String() may be logged.
type Keychain struct {
	ID     string      `yaml:"id" json:"id"`
	Docker DockerCreds `yaml:"docker" json:"docker"`
	Caddy  CaddyCreds  `yaml:"caddy" json:"caddy"`
}

type DockerCreds struct {
	Host        string        `yaml:"host" json:"host"`
	TLS         *TLSCreds     `yaml:"tls,omitempty" json:"tls,omitempty"`
	Repo        string        `yaml:"repo" json:"repo"`
	ImagePrefix string        `yaml:"image_prefix" json:"image_prefix"`
	Auth        *RegistryAuth `yaml:"auth,omitempty" json:"auth,omitempty"`
}

type TLSCreds struct {
	CA   string `yaml:"ca" json:"ca"`
	Cert string `yaml:"cert" json:"cert"`
	Key  string `yaml:"key" json:"key"`
}

func (TLSCreds) String() string { return "<redacted>" }

type RegistryAuth struct {
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password"`
	ServerAddress string `yaml:"server_address" json:"server_address"`
}

func (a RegistryAuth) String() string { return a.Username + "@" + a.ServerAddress }

type CaddyCreds struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Base     string `yaml:"base" json:"base"`
	Server   string `yaml:"server" json:"server"`
	CACert   string `yaml:"cacert" json:"cacert"`
	Cert     string `yaml:"cert" json:"cert"`
	Key      string `yaml:"key" json:"key"`
}

func (k Keychain) String() string {
	return fmt.Sprintf("keychain(%s docker=%s caddy=%s)", k.ID, k.Docker.Host, k.Caddy.Endpoint)
}

// ImageRef is the reference pulled for a challenge slug on this host.
func (d DockerCreds) ImageRef(slug string) string {
	return d.Repo + "/" + d.ImagePrefix + slug
}

// ParseKeychains decodes a JSON or YAML list of keychains and validates it.
func ParseKeychains(data []byte) ([]Keychain, error) {
	var keychains []Keychain
	if err := yaml.Unmarshal(data, &keychains); err != nil {
		return nil, fmt.Errorf("failed to parse host keychains: %w", err)
	}
	if err := validate(keychains); err != nil {
		return nil, err
	}
	return keychains, nil
}

func validate(keychains []Keychain) error {
	seen := make(map[string]bool, len(keychains))
	for i, k := range keychains {
		if k.ID == "" {
			return fmt.Errorf("host keychain %d has no id", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, k.ID)
		}
		seen[k.ID] = true
		if k.Docker.Host == "" {
			return fmt.Errorf("%w: %s: missing docker.host", ErrIncomplete, k.ID)
		}
		if err := validateCaddy(k.Caddy); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrIncomplete, k.ID, err)
		}
	}
	if !seen[DefaultHostID] {
		return ErrMissingDefault
	}
	return nil
}

// validateCaddy rejects proxy settings that would only fail at the first
// HTTP deploy.
func validateCaddy(c CaddyCreds) error {
	if c.Endpoint == "" {
		return errors.New("missing caddy.endpoint")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("caddy.endpoint %q is not an http(s) URL", c.Endpoint)
	}
	if c.Base == "" {
		return errors.New("missing caddy.base")
	}
	if strings.HasPrefix(c.Base, ".") || strings.HasSuffix(c.Base, ".") {
		return fmt.Errorf("caddy.base %q must not start or end with a dot", c.Base)
	}
	return nil
}
