package registry

import (
	"context"

	"github.com/opencontainers/go-digest"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/logging"
	"github.com/agentpkg/npmresolver/pkg/npm"
	"github.com/agentpkg/npmresolver/pkg/store"
)

// legacySource reads npm < 5 caches, where the tarball path is derived from
// name and version alone.
type legacySource struct {
	store store.Store
}

func (s *legacySource) Open(ctx context.Context, name, version string, added *npm.Manifest) (*Tarball, error) {
	if added != nil {
		name, version = added.Name, added.Version
	}

	logging.FromContext(ctx).Debug("opening legacy tarball", "path", s.store.LegacyTarball(name, version))

	body, err := s.store.OpenLegacy(name, version)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeStream, err, "opening tarball for %s", npm.Spec(name, version))
	}
	return &Tarball{Name: name, Version: version, Body: body}, nil
}

// contentAddressedSource reads npm >= 5 caches. The tarball is found by the
// integrity digest from the manifest, never by name and version.
type contentAddressedSource struct {
	client npm.Client
	store  store.Store
}

func (s *contentAddressedSource) Open(ctx context.Context, name, version string, added *npm.Manifest) (*Tarball, error) {
	m := added
	if m == nil || (m.Integrity == "" && m.Shasum == "") {
		spec := npm.Spec(name, version)
		var err error
		m, err = s.client.Manifest(ctx, spec)
		if err != nil {
			return nil, rerrors.Wrap(rerrors.CodeManifestFetch, err, "fetching manifest for %s", spec)
		}
	}

	d, err := manifestDigest(m)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeManifestFetch, err, "manifest for %s", npm.Spec(m.Name, m.Version))
	}

	logging.FromContext(ctx).Debug("opening cached content", "digest", d)

	body, err := s.store.OpenDigest(d)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeStream, err, "opening tarball for %s", npm.Spec(m.Name, m.Version))
	}
	return &Tarball{Name: m.Name, Version: m.Version, Body: body}, nil
}

// manifestDigest prefers the integrity string and falls back to the sha1
// shasum very old packages were published with.
func manifestDigest(m *npm.Manifest) (digest.Digest, error) {
	if m.Integrity != "" {
		return store.ParseIntegrity(m.Integrity)
	}
	if m.Shasum != "" {
		return store.FromShasum(m.Shasum)
	}
	return "", rerrors.New(rerrors.CodeNotFound, "no integrity or shasum")
}
