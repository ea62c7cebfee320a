package kernel

import (
	"context"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/aejsmith/kiwi-sub011/log"
	"github.com/aejsmith/kiwi-sub011/status"
)

// Module is a loadable kernel extension. Depends entries are
// "name constraint" pairs, e.g. "fsdrv >=1.2.0".
type Module struct {
	Name        string
	Description string
	Version     string
	Depends     []string

	Init   func(ctx context.Context, k *Kernel) status.Status
	Unload func(ctx context.Context, k *Kernel) status.Status
}

type loadedModule struct {
	mod     *Module
	version *semver.Version
	count   int // modules depending on this one
}

// ModuleRegistry tracks loaded modules and resolves dependency
// version constraints before init. Modules registered as available can
// additionally be loaded by name from the syscall surface.
type ModuleRegistry struct {
	mu     sync.Mutex
	avail  map[string]*Module
	loaded map[string]*loadedModule
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		avail:  make(map[string]*Module),
		loaded: make(map[string]*loadedModule),
	}
}

// Register makes a module available for loading by name without
// loading it.
func (r *ModuleRegistry) Register(mod *Module) status.Status {
	if mod.Name == "" {
		return status.InvalidArg
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.avail[mod.Name]; dup {
		return status.AlreadyExists
	}
	r.avail[mod.Name] = mod
	return status.Success
}

// LoadByName loads a previously registered module.
func (r *ModuleRegistry) LoadByName(ctx context.Context, k *Kernel, name string) status.Status {
	r.mu.Lock()
	mod, ok := r.avail[name]
	r.mu.Unlock()

	if !ok {
		return status.NotFound
	}
	return r.Load(ctx, k, mod)
}

// Modules returns the kernel's registry.
func (k *Kernel) Modules() *ModuleRegistry { return k.modules }

// parseDepend splits "name constraint"; a bare name means any version.
func parseDepend(dep string) (string, *semver.Constraints, status.Status) {
	fields := strings.SplitN(strings.TrimSpace(dep), " ", 2)
	name := fields[0]
	if name == "" {
		return "", nil, status.InvalidArg
	}

	spec := "*"
	if len(fields) == 2 {
		spec = strings.TrimSpace(fields[1])
	}
	c, err := semver.NewConstraint(spec)
	if err != nil {
		return "", nil, status.InvalidArg
	}
	return name, c, status.Success
}

// Load validates the module's dependencies against loaded versions,
// then runs its init. Missing or version-incompatible dependencies
// fail the load before init runs.
func (r *ModuleRegistry) Load(ctx context.Context, k *Kernel, mod *Module) status.Status {
	if mod.Name == "" || mod.Init == nil {
		return status.InvalidArg
	}
	version, err := semver.NewVersion(mod.Version)
	if err != nil {
		return status.MalformedImage
	}

	r.mu.Lock()
	if _, dup := r.loaded[mod.Name]; dup {
		r.mu.Unlock()
		return status.AlreadyExists
	}

	var deps []*loadedModule
	for _, dep := range mod.Depends {
		name, constraint, st := parseDepend(dep)
		if st != status.Success {
			r.mu.Unlock()
			return st
		}

		lm, ok := r.loaded[name]
		if !ok {
			r.mu.Unlock()
			log.Named("module").Error("missing dependency",
				"module", mod.Name, "depends", dep)
			return status.MissingLibrary
		}
		if !constraint.Check(lm.version) {
			r.mu.Unlock()
			log.Named("module").Error("dependency version mismatch",
				"module", mod.Name, "depends", dep, "have", lm.version)
			return status.MissingLibrary
		}
		deps = append(deps, lm)
	}

	entry := &loadedModule{mod: mod, version: version}
	r.loaded[mod.Name] = entry
	for _, d := range deps {
		d.count++
	}
	r.mu.Unlock()

	if st := mod.Init(ctx, k); st != status.Success {
		r.mu.Lock()
		delete(r.loaded, mod.Name)
		for _, d := range deps {
			d.count--
		}
		r.mu.Unlock()
		return st
	}

	log.Named("module").Info("module loaded",
		"name", mod.Name, "version", mod.Version)
	return status.Success
}

// Unload removes a module nothing depends on.
func (r *ModuleRegistry) Unload(ctx context.Context, k *Kernel, name string) status.Status {
	r.mu.Lock()
	lm, ok := r.loaded[name]
	if !ok {
		r.mu.Unlock()
		return status.NotFound
	}
	if lm.count > 0 {
		r.mu.Unlock()
		return status.InUse
	}
	delete(r.loaded, name)
	r.mu.Unlock()

	if lm.mod.Unload != nil {
		if st := lm.mod.Unload(ctx, k); st != status.Success {
			r.mu.Lock()
			r.loaded[name] = lm
			r.mu.Unlock()
			return st
		}
	}

	r.mu.Lock()
	for _, dep := range lm.mod.Depends {
		depName, _, _ := parseDepend(dep)
		if d, ok := r.loaded[depName]; ok {
			d.count--
		}
	}
	r.mu.Unlock()

	log.Named("module").Info("module unloaded", "name", name)
	return status.Success
}

// Loaded reports whether name is loaded, with its version.
func (r *ModuleRegistry) Loaded(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lm, ok := r.loaded[name]
	if !ok {
		return "", false
	}
	return lm.version.String(), true
}
