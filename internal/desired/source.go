// Package desired loads the declared set of MCP servers and turns it into
// an immutable models.DesiredState snapshot for each reconciliation cycle.
package desired

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"gopkg.in/yaml.v2"
)

// ErrUnreadable is returned when the desired-state source cannot be read or
// is malformed. A source never reports an empty state in place of this error.
var ErrUnreadable = errors.New("desired state unreadable")

// Source produces the desired state
type Source interface {
	Load(ctx context.Context) (*models.DesiredState, error)
}

// composeFile is the on-disk layout of mcp-compose.yaml
type composeFile struct {
	Services yaml.MapSlice `yaml:"services"`
}

// serviceEntry is one entry under services:
type serviceEntry struct {
	Image         string      `yaml:"image"`
	Environment   interface{} `yaml:"environment"`
	Env           interface{} `yaml:"env"`
	Restart       string      `yaml:"restart"`
	Route         string      `yaml:"route"`
	ContainerPort int         `yaml:"container_port"`
	Disabled      bool        `yaml:"disabled"`

	// docker-run form: command: docker, args: [run, -e, K=V, image]
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// FileSource reads services from a YAML file on every Load
type FileSource struct {
	Path                 string
	DefaultContainerPort int
}

// NewFileSource creates a source for the given path
func NewFileSource(path string, defaultContainerPort int) *FileSource {
	return &FileSource{
		Path:                 path,
		DefaultContainerPort: defaultContainerPort,
	}
}

// Load reads, parses and validates the file
func (fs *FileSource) Load(ctx context.Context) (*models.DesiredState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	state, err := Parse(data, fs.DefaultContainerPort)
	if err != nil {
		return nil, err
	}

	logger.ForComponent("desired-state").WithField("path", fs.Path).
		Debugf("Loaded %d service definitions", state.Len())
	return state, nil
}

// Parse decodes a compose document into a validated snapshot, preserving
// declaration order.
func Parse(data []byte, defaultContainerPort int) (*models.DesiredState, error) {
	var doc composeFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	specs := make([]models.ServiceSpec, 0, len(doc.Services))
	for _, item := range doc.Services {
		id := fmt.Sprint(item.Key)

		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: service %q: %v", ErrUnreadable, id, err)
		}
		var entry serviceEntry
		if err := yaml.UnmarshalStrict(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w: service %q: %v", ErrUnreadable, id, err)
		}

		spec, err := entry.toSpec(id, defaultContainerPort)
		if err != nil {
			return nil, fmt.Errorf("%w: service %q: %v", ErrUnreadable, id, err)
		}
		specs = append(specs, spec)
	}

	state, err := models.NewDesiredState(specs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return state, nil
}

func (e *serviceEntry) toSpec(id string, defaultContainerPort int) (models.ServiceSpec, error) {
	env := make(map[string]string)
	for _, src := range []interface{}{e.Env, e.Environment} {
		vals, err := decodeEnv(src)
		if err != nil {
			return models.ServiceSpec{}, err
		}
		for k, v := range vals {
			env[k] = v
		}
	}

	image := e.Image
	if e.Command != "" {
		if e.Command != "docker" {
			return models.ServiceSpec{}, fmt.Errorf("unsupported command %q", e.Command)
		}
		run, err := ParseDockerArgs(e.Args)
		if err != nil {
			return models.ServiceSpec{}, err
		}
		if image != "" && image != run.Image {
			return models.ServiceSpec{}, fmt.Errorf("image %q conflicts with docker args image %q", image, run.Image)
		}
		image = run.Image
		for k, v := range run.Env {
			if _, set := env[k]; !set {
				env[k] = v
			}
		}
	}

	port := e.ContainerPort
	if port == 0 {
		port = defaultContainerPort
	}
	if port < 1 || port > 65535 {
		return models.ServiceSpec{}, fmt.Errorf("container_port out of range (%d)", port)
	}

	return models.ServiceSpec{
		ID:            id,
		Image:         image,
		Env:           env,
		RestartPolicy: models.RestartPolicy(e.Restart),
		RoutePath:     e.Route,
		ContainerPort: port,
		Disabled:      e.Disabled,
	}, nil
}

// decodeEnv accepts either a mapping or a list of KEY=VALUE strings
func decodeEnv(v interface{}) (map[string]string, error) {
	out := make(map[string]string)
	switch t := v.(type) {
	case nil:
	case map[interface{}]interface{}:
		for k, val := range t {
			if val == nil {
				out[fmt.Sprint(k)] = ""
				continue
			}
			out[fmt.Sprint(k)] = fmt.Sprint(val)
		}
	case []interface{}:
		for _, item := range t {
			k, val := splitEnv(fmt.Sprint(item))
			out[k] = val
		}
	default:
		return nil, fmt.Errorf("environment must be a mapping or a list, got %T", v)
	}
	return out, nil
}

// splitEnv splits KEY=VALUE; a bare KEY takes its value from the daemon's
// own environment, as docker run -e KEY does.
func splitEnv(s string) (string, string) {
	if k, v, ok := strings.Cut(s, "="); ok {
		return k, v
	}
	return s, os.Getenv(s)
}

// Names returns the sorted ids in the state; used in log lines
func Names(state *models.DesiredState) []string {
	var ids []string
	for _, svc := range state.Services() {
		ids = append(ids, svc.ID)
	}
	sort.Strings(ids)
	return ids
}
