// Package catalog holds the service catalog the rule engine resolves
// execute-actions against: serviceId -> parameter schema, runtime, default
// capabilities and retry policy (spec §4.1 "Inputs").
package catalog

import (
	"fmt"
	"sync"

	"github.com/steep-wms/steep/pkg/model"
)

// Parameter describes one declared parameter of a service.
type Parameter struct {
	Name       string             `yaml:"name" json:"name"`
	Type       model.ArgumentType `yaml:"type" json:"type"`
	DataType   string             `yaml:"dataType" json:"dataType"`
	Cardinality string            `yaml:"cardinality,omitempty" json:"cardinality,omitempty"` // "one" or "many"
}

// Service is one catalog entry.
type Service struct {
	ID                   string            `yaml:"id" json:"id"`
	Path                 string            `yaml:"path" json:"path"`
	Runtime              string            `yaml:"runtime" json:"runtime"`
	Parameters           []Parameter       `yaml:"parameters" json:"parameters"`
	RequiredCapabilities []string          `yaml:"requiredCapabilities" json:"requiredCapabilities"`
	Retries              *model.RetryPolicy `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// Param looks up a declared parameter by name.
func (s Service) Param(name string) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Catalog is a concurrency-safe, in-memory service directory.
type Catalog struct {
	mu       sync.RWMutex
	services map[string]Service
}

func New(services ...Service) *Catalog {
	c := &Catalog{services: make(map[string]Service, len(services))}
	for _, s := range services {
		c.services[s.ID] = s
	}
	return c
}

func (c *Catalog) Register(s Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[s.ID] = s
}

func (c *Catalog) Get(id string) (Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[id]
	if !ok {
		return Service{}, fmt.Errorf("catalog: service %q not registered", id)
	}
	return s, nil
}

func (c *Catalog) List() []Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	return out
}
