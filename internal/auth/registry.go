package auth

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotRegistered        = errors.New("not a registered department admin")
	ErrDepartmentNotAllowed = errors.New("department not assigned to this admin")
)

// RegistryEntry is one department admin in the registry file.
//
//	admins:
//	  - email: roads.officer@city.gov
//	    name: Roads Officer
//	    departments: [Public Works, Roads]
//	    password: change-me   # only read by seed-admins
type RegistryEntry struct {
	Email       string   `yaml:"email"`
	Name        string   `yaml:"name,omitempty"`
	Departments []string `yaml:"departments"`
	Password    string   `yaml:"password,omitempty"`
}

type registryFile struct {
	Admins []RegistryEntry `yaml:"admins"`
}

// Registry is the durable list of department admins.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RegistryEntry
}

func NewRegistry(entries ...RegistryEntry) (*Registry, error) {
	r := &Registry{entries: make(map[string]RegistryEntry, len(entries))}
	for _, e := range entries {
		key := normalizeEmail(e.Email)
		if key == "" {
			return nil, fmt.Errorf("registry entry without email")
		}
		if len(e.Departments) == 0 {
			return nil, fmt.Errorf("registry entry %s has no departments", e.Email)
		}
		if _, dup := r.entries[key]; dup {
			return nil, fmt.Errorf("duplicate registry entry %s", e.Email)
		}
		r.entries[key] = e
	}
	return r, nil
}

// ParseRegistry reads registry YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse role registry: %w", err)
	}
	return NewRegistry(f.Admins...)
}

// LoadRegistry reads the registry file at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role registry: %w", err)
	}
	return ParseRegistry(data)
}

// Authorize checks that email may act as admin for department. An empty
// department is allowed when the admin has exactly one.
func (r *Registry) Authorize(email, department string) (string, error) {
	r.mu.RLock()
	entry, ok := r.entries[normalizeEmail(email)]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNotRegistered
	}
	if department == "" {
		if len(entry.Departments) == 1 {
			return entry.Departments[0], nil
		}
		return "", ErrDepartmentNotAllowed
	}
	for _, d := range entry.Departments {
		if strings.EqualFold(d, department) {
			return d, nil
		}
	}
	return "", ErrDepartmentNotAllowed
}

// Entries returns the registry sorted by email.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
