package challenge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	yaml "github.com/oasdiff/yaml3"
	"github.com/pelletier/go-toml/v2"
)

type ExposeType string

const (
	ExposeTCP  ExposeType = "tcp"
	ExposeHTTP ExposeType = "http"
)

type Strategy string

const (
	StrategyStatic    Strategy = "static"
	StrategyInstanced Strategy = "instanced"
)

// Challenge is an immutable challenge definition as authored in a manifest.
type Challenge struct {
	ID          string       `mapstructure:"id"`
	Name        string       `mapstructure:"name"`
	Author      string       `mapstructure:"author"`
	Description string       `mapstructure:"description"`
	Flag        Flag         `mapstructure:"flag"`
	Group       *string      `mapstructure:"group"`
	BuildGroup  *string      `mapstructure:"build_group"`
	Category    string       `mapstructure:"category"`
	Provide     []Attachment `mapstructure:"provide"`
	Container   *Container   `mapstructure:"container"`
}

// Flag is either the raw flag or a path to a file holding it.
type Flag struct {
	Raw  string `mapstructure:"-"`
	File string `mapstructure:"file"`
}

// Attachment is a plain file, a renamed file, or an archive built from globs.
type Attachment struct {
	File    string   `mapstructure:"file"`
	As      string   `mapstructure:"as"`
	Globs   []string `mapstructure:"globs"`
	Exclude []string `mapstructure:"exclude"`
}

func (a Attachment) IsArchive() bool { return len(a.Globs) > 0 }

type Limits struct {
	CPU *uint64 `mapstructure:"cpu"` // millicores
	Mem *uint64 `mapstructure:"mem"` // MiB
}

type Container struct {
	Build      string                `mapstructure:"build"`
	Limits     *Limits               `mapstructure:"limits"`
	Env        map[string]string     `mapstructure:"env"`
	Expose     map[uint16]ExposeType `mapstructure:"expose"`
	Strategy   Strategy              `mapstructure:"strategy"`
	Privileged bool                  `mapstructure:"privileged"`
	Host       *string               `mapstructure:"host"`
}

func (c *Container) Instanced() bool { return c.Strategy == StrategyInstanced }

var validID = regexp.MustCompile(`^[a-z0-9-]+$`)

// IsValidID reports whether id is a lowercase alphanumeric slug with hyphens.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

func parseChallenge(challengeFilePath string) (*Challenge, error) {
	data, err := os.ReadFile(challengeFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge file: %w", err)
	}
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(challengeFilePath)) {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse challenge file: %w", err)
	}
	return DecodeChallenge(raw)
}

// DecodeChallenge turns a generic manifest document into a validated Challenge.
func DecodeChallenge(raw map[string]any) (*Challenge, error) {
	var chall Challenge
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(flagHook, attachmentHook),
		WeaklyTypedInput: true,
		Result:           &chall,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	if err := chall.normalize(); err != nil {
		return nil, err
	}
	return &chall, nil
}

func flagHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Flag{}) || from.Kind() != reflect.String {
		return data, nil
	}
	return Flag{Raw: data.(string)}, nil
}

func attachmentHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Attachment{}) || from.Kind() != reflect.String {
		return data, nil
	}
	return Attachment{File: data.(string)}, nil
}

func (c *Challenge) normalize() error {
	var errs []error
	if !IsValidID(c.ID) {
		errs = append(errs, fmt.Errorf("id %q must be lowercase alphanumeric with -", c.ID))
	}
	for field, v := range map[string]string{
		"name": c.Name, "author": c.Author, "description": c.Description, "category": c.Category,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("missing %s in challenge file", field))
		}
	}
	if c.Flag.Raw == "" && c.Flag.File == "" {
		errs = append(errs, errors.New("missing flag in challenge file"))
	}
	for i := range c.Provide {
		a := &c.Provide[i]
		switch {
		case a.IsArchive():
			if a.As == "" {
				a.As = "chall"
			}
		case a.File == "":
			errs = append(errs, fmt.Errorf("attachment %d has neither file nor globs", i))
		}
	}
	if c.Container != nil {
		if err := c.Container.normalize(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) normalize() error {
	if c.Build == "" {
		return errors.New("container is missing build")
	}
	switch c.Strategy {
	case "":
		c.Strategy = StrategyStatic
	case StrategyStatic, StrategyInstanced:
	default:
		return fmt.Errorf("unknown container strategy %q", c.Strategy)
	}
	for port, t := range c.Expose {
		if port == 0 {
			return errors.New("cannot expose port 0")
		}
		switch t {
		case ExposeTCP, ExposeHTTP:
		default:
			return fmt.Errorf("unknown expose type %q for port %d", t, port)
		}
	}
	return nil
}
