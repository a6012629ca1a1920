package npm

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/mod/semver"
)

// Layout says how a client's cache stores tarballs.
type Layout int

const (
	// LayoutLegacy is npm < 5: <cache>/<name>/<version>/package.tgz.
	LayoutLegacy Layout = iota
	// LayoutContentAddressed is npm >= 5: _cacache, addressed by integrity.
	LayoutContentAddressed
)

func (l Layout) String() string {
	switch l {
	case LayoutLegacy:
		return "legacy"
	case LayoutContentAddressed:
		return "content-addressed"
	default:
		return "unknown"
	}
}

// Manifest is the minimal package metadata needed to find a tarball.
type Manifest struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Integrity string `json:"integrity,omitempty"`
	Shasum    string `json:"shasum,omitempty"`
}

// Client is the host registry client.
type Client interface {
	// View queries registry metadata, like `npm view <spec> <field> --json`.
	View(ctx context.Context, spec, field string) (json.RawMessage, error)
	// CacheAdd fetches spec into the cache. It returns the manifest when
	// the backend reports one and nil when the caller has to look it up
	// with Manifest.
	CacheAdd(ctx context.Context, spec string) (*Manifest, error)
	// Manifest fetches name, version and integrity for spec.
	Manifest(ctx context.Context, spec string) (*Manifest, error)
	// CacheDir returns the cache root the client writes to.
	CacheDir(ctx context.Context) (string, error)
	// Layout reports the cache layout the client uses.
	Layout(ctx context.Context) (Layout, error)
}

// LayoutForVersion maps an npm version string to its cache layout.
func LayoutForVersion(version string) Layout {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		// anything unparseable is assumed to be a current npm
		return LayoutContentAddressed
	}
	if semver.Compare(semver.Major(v), "v5") < 0 {
		return LayoutLegacy
	}
	return LayoutContentAddressed
}

// Spec joins name and version the way npm expects: name@version.
func Spec(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// SplitSpec is the inverse of Spec. The leading @ of a scoped name is not
// a version separator.
func SplitSpec(spec string) (name, version string) {
	if idx := strings.LastIndex(spec, "@"); idx > 0 {
		return spec[:idx], spec[idx+1:]
	}
	return spec, ""
}
