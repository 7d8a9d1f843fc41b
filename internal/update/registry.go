package update

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrRegistryInvalid = errors.New("update: invalid registry entry")
)

// Registry is the loaded descriptor set plus the base URL packages are
// served from. Read-only after load; safe to share across workers.
type Registry struct {
	baseURL  string
	packages []PackageDescriptor
}

type registryFile struct {
	Packages []PackageDescriptor `toml:"packages"`
}

// LoadRegistry reads the operator-maintained package manifest. The file
// hosting itself is a separate concern; the registry only has to hand the
// engine stable metadata and download URLs.
func LoadRegistry(path, baseURL string) (*Registry, error) {
	var raw registryFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("update: load registry %s: %w", path, err)
	}
	for i, pkg := range raw.Packages {
		if strings.TrimSpace(pkg.Name) == "" {
			return nil, fmt.Errorf("%w: packages[%d] missing name", ErrRegistryInvalid, i)
		}
		if strings.TrimSpace(pkg.Filename) == "" {
			return nil, fmt.Errorf("%w: packages[%d] missing filename", ErrRegistryInvalid, i)
		}
		if strings.TrimSpace(pkg.TargetBuild) == "" {
			return nil, fmt.Errorf("%w: packages[%d] missing target_build", ErrRegistryInvalid, i)
		}
	}
	return NewRegistry(baseURL, raw.Packages), nil
}

// NewRegistry wraps an already-validated descriptor list.
func NewRegistry(baseURL string, packages []PackageDescriptor) *Registry {
	return &Registry{
		baseURL:  strings.TrimRight(baseURL, "/"),
		packages: packages,
	}
}

// Packages returns the descriptor list in registry order.
func (r *Registry) Packages() []PackageDescriptor {
	return r.packages
}

// Len reports the number of loaded descriptors.
func (r *Registry) Len() int {
	return len(r.packages)
}

// DownloadURL is the stable URL embedded in Replace commands for the
// given package.
func (r *Registry) DownloadURL(pkg PackageDescriptor) string {
	return r.baseURL + "/packages/" + pkg.Filename
}

// Evaluate runs the rule engine over this registry.
func (r *Registry) Evaluate(deviceBuild string) []PackageDescriptor {
	return Evaluate(deviceBuild, r.packages)
}
