package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// RestartPolicy is the container restart policy declared for a service
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
	RestartOnFailure     RestartPolicy = "on-failure"
)

// Valid reports whether the policy is one the runtime understands
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNo, RestartAlways, RestartUnlessStopped, RestartOnFailure:
		return true
	}
	return false
}

// ServiceSpec represents one desired MCP server
type ServiceSpec struct {
	ID            string            `json:"id" yaml:"-"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
	RoutePath     string            `json:"route_path"`
	ContainerPort int               `json:"container_port"`
	Disabled      bool              `json:"disabled"`
}

// DefaultRoutePath returns the path pattern used when a service declares none
func DefaultRoutePath(id string) string {
	return fmt.Sprintf("/mcp/%s/*", id)
}

// Enabled is the inverse of Disabled
func (s *ServiceSpec) Enabled() bool {
	return !s.Disabled
}

// ContainerName returns the runtime name of the service's container
func (s *ServiceSpec) ContainerName() string {
	return ContainerNameFor(s.ID)
}

// ContainerNameFor returns the runtime container name for a service id
func ContainerNameFor(id string) string {
	return "mcp-" + id
}

// ConfigHash fingerprints the attributes that cannot be changed on a live
// container. A running container whose hash differs must be replaced.
func (s *ServiceSpec) ConfigHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "image=%s\n", s.Image)
	fmt.Fprintf(h, "restart=%s\n", s.RestartPolicy)
	fmt.Fprintf(h, "port=%d\n", s.ContainerPort)

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env:%s=%s\n", k, s.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// clone returns a deep copy so snapshots never share maps with callers
func (s ServiceSpec) clone() ServiceSpec {
	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		s.Env = env
	}
	return s
}

// DesiredState is an immutable, ordered snapshot of the services that
// should exist. It is produced once per cycle and never mutated.
type DesiredState struct {
	order []string
	specs map[string]ServiceSpec
}

// NewDesiredState validates and snapshots the given services. Ids must be
// unique and route paths must be unique among enabled services.
func NewDesiredState(services []ServiceSpec) (*DesiredState, error) {
	ds := &DesiredState{
		order: make([]string, 0, len(services)),
		specs: make(map[string]ServiceSpec, len(services)),
	}
	routes := make(map[string]string)

	for _, svc := range services {
		if svc.ID == "" {
			return nil, fmt.Errorf("service with empty id")
		}
		if strings.ContainsAny(svc.ID, " /*") {
			return nil, fmt.Errorf("service %q: id must not contain spaces, '/' or '*'", svc.ID)
		}
		if _, dup := ds.specs[svc.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", svc.ID)
		}
		if svc.RoutePath == "" {
			svc.RoutePath = DefaultRoutePath(svc.ID)
		}
		if svc.RestartPolicy == "" {
			svc.RestartPolicy = RestartAlways
		}
		if !svc.RestartPolicy.Valid() {
			return nil, fmt.Errorf("service %q: unknown restart policy %q", svc.ID, svc.RestartPolicy)
		}
		if svc.Enabled() {
			if svc.Image == "" {
				return nil, fmt.Errorf("service %q: image is required", svc.ID)
			}
			if other, dup := routes[svc.RoutePath]; dup {
				return nil, fmt.Errorf("services %q and %q share route %q", other, svc.ID, svc.RoutePath)
			}
			routes[svc.RoutePath] = svc.ID
		}

		ds.order = append(ds.order, svc.ID)
		ds.specs[svc.ID] = svc.clone()
	}

	return ds, nil
}

// Len returns the number of declared services, enabled or not
func (d *DesiredState) Len() int {
	if d == nil {
		return 0
	}
	return len(d.order)
}

// Get returns a copy of the service spec for id
func (d *DesiredState) Get(id string) (ServiceSpec, bool) {
	if d == nil {
		return ServiceSpec{}, false
	}
	spec, ok := d.specs[id]
	if !ok {
		return ServiceSpec{}, false
	}
	return spec.clone(), true
}

// IsEnabled reports whether id is declared and not disabled
func (d *DesiredState) IsEnabled(id string) bool {
	spec, ok := d.Get(id)
	return ok && spec.Enabled()
}

// Services returns all declared services in declaration order
func (d *DesiredState) Services() []ServiceSpec {
	if d == nil {
		return nil
	}
	out := make([]ServiceSpec, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.specs[id].clone())
	}
	return out
}

// Enabled returns the enabled services in declaration order
func (d *DesiredState) Enabled() []ServiceSpec {
	out := make([]ServiceSpec, 0, d.Len())
	for _, svc := range d.Services() {
		if svc.Enabled() {
			out = append(out, svc)
		}
	}
	return out
}
