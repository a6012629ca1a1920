// Package extract unpacks gzipped tarballs.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/logging"
)

const dirPerm = 0o755

// Extract unpacks the tar.gz at archivePath into destDir, creating destDir
// if needed. Regular files and directories are written with their
// permission bits; links and device nodes are skipped. Entries that would
// land outside destDir fail the extraction.
func Extract(ctx context.Context, fs afero.Fs, archivePath, destDir string) error {
	f, err := fs.Open(archivePath)
	if err != nil {
		return rerrors.Wrap(rerrors.CodeExtraction, err, "opening %s", archivePath)
	}
	defer f.Close()

	if err := fs.MkdirAll(destDir, dirPerm); err != nil {
		return rerrors.Wrap(rerrors.CodeExtraction, err, "creating %s", destDir)
	}

	if err := untar(ctx, fs, f, destDir); err != nil {
		return rerrors.Wrap(rerrors.CodeExtraction, err, "extracting %s", archivePath)
	}
	return nil
}

func untar(ctx context.Context, fs afero.Fs, r io.Reader, destDir string) error {
	logger := logging.FromContext(ctx)

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target, err := entryPath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, dirPerm); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(fs, target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			logger.Debug("skipping tar entry", "name", hdr.Name, "type", string(hdr.Typeflag))
		}
	}
}

// entryPath maps a tar entry name to its location under destDir.
func entryPath(destDir, name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimPrefix(name, "./"))
	if clean == "" || clean == "." {
		return destDir, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}
	return securejoin.SecureJoin(destDir, clean)
}

func writeFile(fs afero.Fs, target string, r io.Reader, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}
	// npm tarballs sometimes carry 0000 modes
	if perm&0o400 == 0 {
		perm |= 0o644
	}

	out, err := fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return out.Close()
}
