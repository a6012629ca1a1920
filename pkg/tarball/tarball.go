package tarball

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/logging"
	"github.com/agentpkg/npmresolver/pkg/npm"
	"github.com/agentpkg/npmresolver/pkg/registry"
)

const filePerm = 0o644

// Source resolves a package version to an open tarball stream.
type Source interface {
	ResolveTarballSource(ctx context.Context, name, version string) (*registry.Tarball, error)
}

var _ Source = &registry.Registry{}

// NormalizeName turns a scoped name into something usable as a file name:
// "@scope/name" becomes "scope-name". Unscoped names are returned as is.
func NormalizeName(name string) string {
	if !strings.HasPrefix(name, "@") {
		return name
	}
	return strings.Replace(strings.TrimPrefix(name, "@"), "/", "-", 1)
}

// FileName is the name DownloadTarball writes for name@version.
func FileName(name, version string) string {
	return NormalizeName(name) + "-" + version + ".tgz"
}

// DownloadTarball writes the tarball for name@version to
// dir/<normalized-name>-<version>.tgz and returns its absolute path. The
// file is named from the name and version the source resolved, so a tag or
// range never ends up in it. The file appears only once every byte is
// written; on failure nothing is left behind.
func DownloadTarball(ctx context.Context, fs afero.Fs, src Source, name, version, dir string) (string, error) {
	tb, err := src.ResolveTarballSource(ctx, name, version)
	if err != nil {
		return "", err
	}
	defer tb.Body.Close()

	if tb.Name != "" {
		name = tb.Name
	}
	if tb.Version != "" {
		version = tb.Version
	}
	file := FileName(name, version)
	if strings.ContainsAny(file, `/\`) || !filepath.IsLocal(file) {
		return "", rerrors.New(rerrors.CodeStream, "unsafe tarball name %q for %s", file, npm.Spec(name, version))
	}

	dest, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", rerrors.Wrap(rerrors.CodeStream, err, "resolving output path")
	}

	logging.FromContext(ctx).Debug("downloading tarball", "package", npm.Spec(name, version), "dest", dest)

	if err := writeAtomic(ctx, fs, dest, tb.Body); err != nil {
		return "", rerrors.Wrap(rerrors.CodeStream, err, "writing %s", dest)
	}
	return dest, nil
}

// writeAtomic stages r in a hidden file next to dest and renames it over
// dest once the copy completed.
func writeAtomic(ctx context.Context, fs afero.Fs, dest string, r io.Reader) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			if err := fs.Remove(tmpName); err != nil {
				logging.FromContext(ctx).Warn("removing staging file", "path", tmpName, "err", err)
			}
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("copying tarball: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	if err := fs.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod staging file: %w", err)
	}
	if err := fs.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	committed = true
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
