package depsys

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// DefinitionExt is the extension of package definition files
const DefinitionExt = ".star"

// ErrDuplicatePackage is returned when two definitions register the same name
var ErrDuplicatePackage = eris.New("duplicate package name")

// Registry maps package names to their definitions. It's filled once at startup and only read afterwards.
type Registry struct {
	packages map[string]Package
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{packages: make(map[string]Package)}
}

// Register adds pkg to the registry. Registering a name twice fails with ErrDuplicatePackage.
func (r *Registry) Register(pkg Package) error {
	name := pkg.Name()
	if name == "" {
		return eris.New("package name must not be empty")
	}

	if _, present := r.packages[name]; present {
		return eris.Wrapf(ErrDuplicatePackage, "package %s is already registered", name)
	}

	r.packages[name] = pkg
	return nil
}

// Get looks up a single package
func (r *Registry) Get(name string) (Package, bool) {
	pkg, ok := r.packages[name]
	return pkg, ok
}

// Len returns the number of registered packages
func (r *Registry) Len() int {
	return len(r.packages)
}

// Names returns the sorted list of registered package names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.packages))
	for name := range r.packages {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Resolve maps the requested names to their packages while preserving order and repeats. If any name is
// unknown, nothing is returned and the error is an *UnknownPackageError for the first unknown name.
func (r *Registry) Resolve(names []string) ([]Package, error) {
	result := make([]Package, 0, len(names))
	for _, name := range names {
		pkg, ok := r.packages[name]
		if !ok {
			return nil, &UnknownPackageError{Name: name}
		}

		result = append(result, pkg)
	}

	return result, nil
}

// LoadAll executes every definition file in dir (non-recursive) and returns the resulting registry.
// A directory without definitions produces an empty registry; a broken definition aborts the load.
func LoadAll(ctx context.Context, dir string) (*Registry, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	// os.ReadDir sorts by filename which keeps the load order stable
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read definitions from %s", dir)
	}

	registry := NewRegistry()
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), DefinitionExt) {
			continue
		}

		defPath := filepath.Join(dir, entry.Name())
		// Stat follows symlinks so linked definitions are loaded as well
		info, err := os.Stat(defPath)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read definition %s", defPath)
		}

		if !info.Mode().IsRegular() {
			continue
		}

		log(ctx).Debug().Str("path", defPath).Msg("loading definition")

		err = LoadFile(ctx, registry, defPath, dir)
		if err != nil {
			return nil, err
		}
	}

	return registry, nil
}
