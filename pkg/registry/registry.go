package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/logging"
	"github.com/agentpkg/npmresolver/pkg/npm"
	"github.com/agentpkg/npmresolver/pkg/store"
)

// Tarball is an opened package tarball. The caller must close Body.
type Tarball struct {
	Name    string
	Version string
	Body    io.ReadCloser
}

// TarballSource locates the cached tarball for a package that `cache add`
// has just fetched.
type TarballSource interface {
	Open(ctx context.Context, name, version string, added *npm.Manifest) (*Tarball, error)
}

// Registry is the registry client the resolver talks to.
type Registry struct {
	client npm.Client
	source TarballSource
}

// New builds a Registry for client, picking the tarball source by the
// client's cache layout. A nil s means the store at the client's cache dir.
func New(ctx context.Context, client npm.Client, s store.Store) (*Registry, error) {
	layout, err := client.Layout(ctx)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeRegistryLoad, err, "detecting npm cache layout")
	}

	if s == nil {
		dir, err := client.CacheDir(ctx)
		if err != nil {
			return nil, rerrors.Wrap(rerrors.CodeRegistryLoad, err, "locating npm cache")
		}
		s = store.NewOS(dir)
	}

	logging.FromContext(ctx).Debug("registry ready", "layout", layout, "cache", s.Root())

	return &Registry{client: client, source: NewTarballSource(layout, client, s)}, nil
}

// NewTarballSource returns the strategy for layout.
func NewTarballSource(layout npm.Layout, client npm.Client, s store.Store) TarballSource {
	if layout == npm.LayoutLegacy {
		return &legacySource{store: s}
	}
	return &contentAddressedSource{client: client, store: s}
}

// ListVersions returns every published version of name.
func (r *Registry) ListVersions(ctx context.Context, name string) ([]string, error) {
	logging.FromContext(ctx).Debug("listing versions", "package", name)

	out, err := r.client.View(ctx, name, "versions")
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeView, err, "npm view %s versions", name)
	}
	versions, err := ParseVersions(out)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeView, err, "npm view %s versions", name)
	}
	return versions, nil
}

// ResolveTarballSource caches name@version and opens its tarball.
func (r *Registry) ResolveTarballSource(ctx context.Context, name, version string) (*Tarball, error) {
	spec := npm.Spec(name, version)
	logging.FromContext(ctx).Debug("resolving tarball", "spec", spec)

	added, err := r.client.CacheAdd(ctx, spec)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeCacheAdd, err, "npm cache add %s", spec)
	}
	return r.source.Open(ctx, name, version, added)
}

// ParseVersions reads a `view <name> versions` response. It accepts a flat
// array, a single string, or an object keyed by version whose values carry
// a "versions" list; for the object the lexicographically last key wins.
func ParseVersions(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	switch raw[0] {
	case '[':
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decoding version list: %w", err)
		}
		return list, nil
	case '"':
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("decoding version: %w", err)
		}
		return []string{one}, nil
	case '{':
		var byVersion map[string]struct {
			Versions []string `json:"versions"`
		}
		if err := json.Unmarshal(raw, &byVersion); err != nil {
			return nil, fmt.Errorf("decoding version map: %w", err)
		}
		if len(byVersion) == 0 {
			return nil, fmt.Errorf("empty version map")
		}
		keys := make([]string, 0, len(byVersion))
		for k := range byVersion {
			keys = append(keys, k)
		}
		return byVersion[slices.Max(keys)].Versions, nil
	default:
		return nil, fmt.Errorf("unexpected response %q", truncate(raw))
	}
}

func truncate(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
