package fs

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/aejsmith/kiwi-sub011/status"
)

// buildArchive writes a small tar file and returns its path.
func buildArchive(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "image.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	write := func(hdr *tar.Header, body string) {
		hdr.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(hdr))
		if body != "" {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}

	write(&tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0755}, "")
	write(&tar.Header{Name: "etc/motd", Typeflag: tar.TypeReg, Mode: 0644}, "Welcome to Kiwi\n")
	write(&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "etc/motd"}, "")
	write(&tar.Header{Name: "README", Typeflag: tar.TypeReg, Mode: 0644}, "readme")
	// No explicit directory entries for var/log.
	write(&tar.Header{Name: "var/log/boot.log", Typeflag: tar.TypeReg, Mode: 0644}, "booted")

	require.NoError(t, tw.Close())
	return path
}

func mountAt(t *testing.T, v *VFS, ioc *IOContext, path, fsType, device string) {
	ctx := context.Background()

	at, st := ioc.Create(ctx, path, DirNode)
	require.Equal(t, status.Success, st)
	defer at.Release()

	require.Equal(t, status.Success, v.Mount(ctx, at, fsType, device, 0))
}

func TestTarFS(t *testing.T) {
	n := neko.Modern(t)
	ctx := context.Background()

	newMounted := func(t *testing.T) *IOContext {
		v, ioc := newTestIO(t)
		require.Equal(t, status.Success, v.RegisterDriver(TarFS{}))
		mountAt(t, v, ioc, "/mnt", "tarfs", buildArchive(t))
		return ioc
	}

	n.It("serves file content out of the archive", func(t *testing.T) {
		ioc := newMounted(t)
		defer ioc.Close(ctx)

		require.Equal(t, "Welcome to Kiwi\n", readFile(t, ioc, "/mnt/etc/motd"))
		require.Equal(t, "readme", readFile(t, ioc, "/mnt/README"))

		f, st := ioc.Open(ctx, "/mnt/etc/motd", FileRead)
		require.Equal(t, status.Success, st)
		defer f.Release(ctx)
		require.Equal(t, int64(16), f.Size())
	})

	n.It("lists directories in archive order", func(t *testing.T) {
		ioc := newMounted(t)
		defer ioc.Close(ctx)

		dir, st := ioc.Open(ctx, "/mnt", FileRead)
		require.Equal(t, status.Success, st)
		defer dir.Release(ctx)

		var names []string
		for {
			ent, st := dir.ReadDir(ctx)
			if st != status.Success {
				break
			}
			names = append(names, ent.Name)
		}
		require.Equal(t, []string{"etc", "link", "README", "var"}, names)
	})

	n.It("creates intermediate directories for pathy entries", func(t *testing.T) {
		ioc := newMounted(t)
		defer ioc.Close(ctx)

		d, st := ioc.Lookup(ctx, "/mnt/var/log", true)
		require.Equal(t, status.Success, st)
		require.Equal(t, DirNode, d.Node.Type)
		d.Release()

		require.Equal(t, "booted", readFile(t, ioc, "/mnt/var/log/boot.log"))
	})

	n.It("resolves symlinks stored in the archive", func(t *testing.T) {
		ioc := newMounted(t)
		defer ioc.Close(ctx)

		require.Equal(t, "Welcome to Kiwi\n", readFile(t, ioc, "/mnt/link"))

		d, st := ioc.Lookup(ctx, "/mnt/link", false)
		require.Equal(t, status.Success, st)
		defer d.Release()

		target, st := d.Node.Ops.ReadLink(ctx, d.Node)
		require.Equal(t, status.Success, st)
		require.Equal(t, "etc/motd", target)
	})

	n.It("rejects every mutation", func(t *testing.T) {
		ioc := newMounted(t)
		defer ioc.Close(ctx)

		_, st := ioc.Create(ctx, "/mnt/new", FileNode)
		require.Equal(t, status.ReadOnly, st)
		require.Equal(t, status.ReadOnly, ioc.Unlink(ctx, "/mnt/README"))
		require.Equal(t, status.ReadOnly, ioc.Symlink(ctx, "/mnt/l", "x"))

		_, st = ioc.Open(ctx, "/mnt/README", FileWrite)
		require.Equal(t, status.ReadOnly, st)
	})

	n.It("fails to mount missing or corrupt archives", func(t *testing.T) {
		v, ioc := newTestIO(t)
		defer ioc.Close(ctx)
		require.Equal(t, status.Success, v.RegisterDriver(TarFS{}))

		at, _ := ioc.Create(ctx, "/mnt", DirNode)
		defer at.Release()

		st := v.Mount(ctx, at, "tarfs", filepath.Join(t.TempDir(), "missing.tar"), 0)
		require.Equal(t, status.NotFound, st)

		garbage := filepath.Join(t.TempDir(), "garbage.tar")
		require.NoError(t, os.WriteFile(garbage, []byte("not a tar archive"), 0644))
		st = v.Mount(ctx, at, "tarfs", garbage, 0)
		require.Equal(t, status.DeviceError, st)
	})

	n.Meow()
}
