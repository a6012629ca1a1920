// Package resolver resolves npm: sources for a Bower-style host.
package resolver

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/extract"
	"github.com/agentpkg/npmresolver/pkg/logging"
	"github.com/agentpkg/npmresolver/pkg/registry"
	"github.com/agentpkg/npmresolver/pkg/source"
	"github.com/agentpkg/npmresolver/pkg/tarball"
)

// packageDir is the top-level directory npm tarballs unpack into.
const packageDir = "package"

// Endpoint is the host's description of what to fetch.
type Endpoint struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Cached describes what the host already has for an endpoint.
type Cached struct {
	Version string `json:"version"`
}

// FetchResult tells the host where the unpacked package is.
type FetchResult struct {
	TempPath      string `json:"tempPath"`
	RemoveIgnores bool   `json:"removeIgnores"`
}

// Release is one installable version.
type Release struct {
	Target  string `json:"target"`
	Version string `json:"version"`
}

// Registry is what the resolver needs from the registry client.
type Registry interface {
	tarball.Source
	ListVersions(ctx context.Context, name string) ([]string, error)
}

var _ Registry = &registry.Registry{}

// Resolver resolves npm: sources against a registry.
type Resolver struct {
	registry Registry
	fs       afero.Fs
	tempDir  string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFs sets the filesystem temp dirs and tarballs are written to.
func WithFs(fs afero.Fs) Option {
	return func(r *Resolver) { r.fs = fs }
}

// WithTempDir sets the parent of the per-fetch temp dirs. Empty means the
// system temp dir.
func WithTempDir(dir string) Option {
	return func(r *Resolver) { r.tempDir = dir }
}

// New returns a Resolver backed by reg.
func New(reg Registry, opts ...Option) *Resolver {
	r := &Resolver{registry: reg, fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Match reports whether source is an npm: source.
func (r *Resolver) Match(src string) bool {
	return source.Match(src)
}

// Releases lists every published version of the package in src.
func (r *Resolver) Releases(ctx context.Context, src string) ([]Release, error) {
	ref, err := source.ParseRef(src)
	if err != nil {
		return nil, err
	}

	versions, err := r.registry.ListVersions(ctx, ref.Name)
	if err != nil {
		return nil, err
	}

	releases := make([]Release, len(versions))
	for i, v := range versions {
		releases[i] = Release{Target: v, Version: v}
	}
	return releases, nil
}

// Fetch downloads and unpacks the package for ep. It returns nil when
// cached already carries a version, telling the host to use its copy.
//
// Two temp dirs are used: one holding the downloaded tarball, removed when
// Fetch returns, and one the tarball is unpacked into, which belongs to the
// host on success and is removed on failure.
func (r *Resolver) Fetch(ctx context.Context, ep Endpoint, cached *Cached) (*FetchResult, error) {
	if cached != nil && cached.Version != "" {
		return nil, nil
	}

	logger := logging.FromContext(ctx)

	ref, err := source.ParseRef(ep.Source)
	if err != nil {
		return nil, err
	}
	version := ep.Target
	if version == "" {
		version = ref.Target
	}
	if version == "" {
		return nil, rerrors.New(rerrors.CodeInvalidSource, "no target version for %s", ep.Source)
	}

	holdDir, err := afero.TempDir(r.fs, r.tempDir, "npmresolver-tarball-")
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeStream, err, "creating tarball dir")
	}
	defer r.removeAll(ctx, holdDir)

	extractDir, err := afero.TempDir(r.fs, r.tempDir, "npmresolver-extract-")
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeExtraction, err, "creating extraction dir")
	}

	logger.Info("fetching package", "package", ref.Name, "version", version)

	archive, err := tarball.DownloadTarball(ctx, r.fs, r.registry, ref.Name, version, holdDir)
	if err != nil {
		r.removeAll(ctx, extractDir)
		return nil, err
	}

	if err := extract.Extract(ctx, r.fs, archive, extractDir); err != nil {
		r.removeAll(ctx, extractDir)
		return nil, err
	}

	return &FetchResult{TempPath: filepath.Join(extractDir, packageDir), RemoveIgnores: true}, nil
}

// removeAll deletes dir, logging instead of failing.
func (r *Resolver) removeAll(ctx context.Context, dir string) {
	if err := r.fs.RemoveAll(dir); err != nil {
		logging.FromContext(ctx).Warn("removing temp dir", "dir", dir, "err", err)
	}
}
