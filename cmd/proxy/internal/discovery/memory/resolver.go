package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

// ErrBackendNotFound is returned when no backend is registered for a key.
var ErrBackendNotFound = errors.New("backend not found")

type Resolver struct {
	backends map[string]string
	mu       sync.RWMutex
}

// backendsFile is the YAML layout accepted by LoadResolverFile.
//
//	backends:
//	  db1: localhost:5432
//	  db1.pool: localhost:6432
type backendsFile struct {
	Backends map[string]string `yaml:"backends"`
}

// NewResolver creates a new memory resolver from a comma-separated string
// Format: "deployment_id[.pool]=host:port,..."
// Example: "db1=localhost:5432,db1.pool=localhost:6432"
func NewResolver(mappingStr string) (*Resolver, error) {
	backends, err := parseMapping(mappingStr)
	if err != nil {
		return nil, err
	}
	return &Resolver{backends: backends}, nil
}

// LoadResolverFile creates a memory resolver from a YAML file and then applies
// the entries of mappingStr on top of it.
func LoadResolverFile(path, mappingStr string) (*Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backends file: %w", err)
	}

	var file backendsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse backends file %s: %w", path, err)
	}

	backends := make(map[string]string, len(file.Backends))
	for key, addr := range file.Backends {
		key, addr = strings.TrimSpace(key), strings.TrimSpace(addr)
		if key == "" || addr == "" {
			return nil, fmt.Errorf("invalid entry in %s: %q=%q", path, key, addr)
		}
		backends[key] = addr
	}

	overrides, err := parseMapping(mappingStr)
	if err != nil {
		return nil, err
	}
	for key, addr := range overrides {
		backends[key] = addr
	}

	return &Resolver{backends: backends}, nil
}

func parseMapping(mappingStr string) (map[string]string, error) {
	backends := make(map[string]string)
	if mappingStr == "" {
		return backends, nil
	}

	pairs := strings.Split(mappingStr, ",")
	for _, pair := range pairs {
		parts := strings.Split(strings.TrimSpace(pair), "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid mapping format: %s", pair)
		}
		key := strings.TrimSpace(parts[0])
		addr := strings.TrimSpace(parts[1])
		if key == "" || addr == "" {
			return nil, fmt.Errorf("invalid mapping format: %s", pair)
		}
		backends[key] = addr
	}
	return backends, nil
}

// Set registers or replaces the backend for key.
func (r *Resolver) Set(key, addr string) {
	r.mu.Lock()
	r.backends[key] = addr
	r.mu.Unlock()
}

// Len returns the number of registered backends.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

func (r *Resolver) Resolve(ctx context.Context, metadata core.RoutingMetadata, databaseType core.DatabaseType) (string, error) {
	deploymentID, ok := metadata["deployment_id"]
	if !ok {
		return "", fmt.Errorf("metadata missing 'deployment_id'")
	}
	pooled := metadata["pooled"]

	// Construct lookup key: deployment_id or deployment_id.pool
	key := deploymentID
	if pooled == "true" {
		key = deploymentID + ".pool"
	}

	r.mu.RLock()
	addr, ok := r.backends[key]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w for key: %s", ErrBackendNotFound, key)
	}

	logger.Debug("Static backend resolved", "deployment_id", deploymentID, "pooled", pooled, "backend_addr", addr, "database", databaseType)
	return addr, nil
}
