package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/status"
)

func okModule(name, version string, deps ...string) *Module {
	return &Module{
		Name:    name,
		Version: version,
		Depends: deps,
		Init: func(ctx context.Context, k *Kernel) status.Status {
			return status.Success
		},
	}
}

func TestModuleRegistry(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	n.It("loads a module and reports its version", func(t *testing.T) {
		r := NewModuleRegistry()

		require.Equal(t, status.Success, r.Load(ctx, nil, okModule("fsdrv", "1.2.3")))

		v, ok := r.Loaded("fsdrv")
		require.True(t, ok)
		require.Equal(t, "1.2.3", v)

		_, ok = r.Loaded("other")
		require.False(t, ok)
	})

	n.It("rejects malformed modules", func(t *testing.T) {
		r := NewModuleRegistry()

		require.Equal(t, status.InvalidArg, r.Load(ctx, nil, &Module{Version: "1.0.0"}))
		require.Equal(t, status.InvalidArg,
			r.Load(ctx, nil, &Module{Name: "noinit", Version: "1.0.0"}))
		require.Equal(t, status.MalformedImage,
			r.Load(ctx, nil, okModule("badver", "not-a-version")))
	})

	n.It("refuses duplicate names", func(t *testing.T) {
		r := NewModuleRegistry()

		require.Equal(t, status.Success, r.Load(ctx, nil, okModule("dup", "1.0.0")))
		require.Equal(t, status.AlreadyExists, r.Load(ctx, nil, okModule("dup", "2.0.0")))
	})

	n.It("checks dependency version constraints", func(t *testing.T) {
		r := NewModuleRegistry()
		require.Equal(t, status.Success, r.Load(ctx, nil, okModule("base", "1.4.0")))

		require.Equal(t, status.Success,
			r.Load(ctx, nil, okModule("wants-any", "1.0.0", "base")))
		require.Equal(t, status.Success,
			r.Load(ctx, nil, okModule("wants-range", "1.0.0", "base >=1.2.0")))

		require.Equal(t, status.MissingLibrary,
			r.Load(ctx, nil, okModule("wants-newer", "1.0.0", "base >=2.0.0")))
		require.Equal(t, status.MissingLibrary,
			r.Load(ctx, nil, okModule("wants-missing", "1.0.0", "absent")))
		require.Equal(t, status.InvalidArg,
			r.Load(ctx, nil, okModule("bad-spec", "1.0.0", "base ===x")))
	})

	n.It("rolls back when init fails", func(t *testing.T) {
		r := NewModuleRegistry()
		require.Equal(t, status.Success, r.Load(ctx, nil, okModule("base", "1.0.0")))

		failing := okModule("broken", "1.0.0", "base")
		failing.Init = func(ctx context.Context, k *Kernel) status.Status {
			return status.NoMemory
		}
		require.Equal(t, status.NoMemory, r.Load(ctx, nil, failing))

		_, ok := r.Loaded("broken")
		require.False(t, ok)

		// The failed load left no dependency pin behind.
		require.Equal(t, status.Success, r.Unload(ctx, nil, "base"))
	})

	n.It("pins dependencies while dependents are loaded", func(t *testing.T) {
		r := NewModuleRegistry()
		require.Equal(t, status.Success, r.Load(ctx, nil, okModule("base", "1.0.0")))
		require.Equal(t, status.Success,
			r.Load(ctx, nil, okModule("user", "1.0.0", "base")))

		require.Equal(t, status.InUse, r.Unload(ctx, nil, "base"))

		require.Equal(t, status.Success, r.Unload(ctx, nil, "user"))
		require.Equal(t, status.Success, r.Unload(ctx, nil, "base"))

		require.Equal(t, status.NotFound, r.Unload(ctx, nil, "base"))
	})

	n.It("keeps a module loaded when its unload hook fails", func(t *testing.T) {
		r := NewModuleRegistry()

		stubborn := okModule("stubborn", "1.0.0")
		stubborn.Unload = func(ctx context.Context, k *Kernel) status.Status {
			return status.InUse
		}
		require.Equal(t, status.Success, r.Load(ctx, nil, stubborn))

		require.Equal(t, status.InUse, r.Unload(ctx, nil, "stubborn"))
		_, ok := r.Loaded("stubborn")
		require.True(t, ok)
	})

	n.Meow()
}
