package resolver

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/registry"
)

const tempRoot = "/tmp-root"

type fakeRegistry struct {
	versions []string
	listErr  error
	tarball  []byte
	fetchErr error

	listed   []string
	resolved []string
}

func (f *fakeRegistry) ListVersions(_ context.Context, name string) ([]string, error) {
	f.listed = append(f.listed, name)
	return f.versions, f.listErr
}

func (f *fakeRegistry) ResolveTarballSource(_ context.Context, name, version string) (*registry.Tarball, error) {
	f.resolved = append(f.resolved, name+"@"+version)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &registry.Tarball{Name: name, Version: version, Body: io.NopCloser(bytes.NewReader(f.tarball))}, nil
}

func npmTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newResolver(t *testing.T, reg Registry) (*Resolver, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(tempRoot, 0o755))
	return New(reg, WithFs(fs), WithTempDir(tempRoot)), fs
}

func tempEntries(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, tempRoot)
	require.NoError(t, err)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names
}

func TestMatch(t *testing.T) {
	r := New(&fakeRegistry{})

	assert.True(t, r.Match("npm:left-pad=1.3.0"))
	assert.False(t, r.Match("git://github.com/owner/repo.git"))
}

func TestReleases(t *testing.T) {
	reg := &fakeRegistry{versions: []string{"1.0.0", "1.1.0"}}
	r := New(reg)

	got, err := r.Releases(context.Background(), "npm:@scope/pkg=^1.0.0")
	require.NoError(t, err)
	assert.Equal(t, []Release{
		{Target: "1.0.0", Version: "1.0.0"},
		{Target: "1.1.0", Version: "1.1.0"},
	}, got)
	assert.Equal(t, []string{"@scope/pkg"}, reg.listed)
}

func TestReleasesErrors(t *testing.T) {
	tests := map[string]struct {
		source string
		reg    *fakeRegistry
		code   rerrors.Code
	}{
		"invalid source": {
			source: "bower-pkg",
			reg:    &fakeRegistry{},
			code:   rerrors.CodeInvalidSource,
		},
		"view fails": {
			source: "npm:pkg=1.0.0",
			reg:    &fakeRegistry{listErr: rerrors.New(rerrors.CodeView, "E404")},
			code:   rerrors.CodeView,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.reg).Releases(context.Background(), tc.source)
			assert.True(t, rerrors.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestFetch(t *testing.T) {
	reg := &fakeRegistry{tarball: npmTarball(t, map[string]string{
		"package/package.json": `{"name":"pkg","version":"1.2.3"}`,
		"package/index.js":     "module.exports = 42",
	})}
	r, fs := newResolver(t, reg)

	res, err := r.Fetch(context.Background(), Endpoint{Source: "npm:pkg=1.2.3", Target: "1.2.3"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.RemoveIgnores)
	assert.Equal(t, packageDir, filepath.Base(res.TempPath))
	assert.Equal(t, []string{"pkg@1.2.3"}, reg.resolved)

	got, err := afero.ReadFile(fs, filepath.Join(res.TempPath, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 42", string(got))

	// the holding dir is gone, only the extraction dir is left
	entries := tempEntries(t, fs)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Join(tempRoot, entries[0]), filepath.Dir(res.TempPath))
}

func TestFetchUsesSourceTargetWithoutEndpointTarget(t *testing.T) {
	reg := &fakeRegistry{tarball: npmTarball(t, map[string]string{"package/index.js": "x"})}
	r, _ := newResolver(t, reg)

	_, err := r.Fetch(context.Background(), Endpoint{Source: "npm:@scope/pkg=2.0.0"}, &Cached{})
	require.NoError(t, err)
	assert.Equal(t, []string{"@scope/pkg@2.0.0"}, reg.resolved)
}

func TestFetchCached(t *testing.T) {
	reg := &fakeRegistry{}
	// any filesystem write would fail
	r := New(reg, WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())))

	res, err := r.Fetch(context.Background(), Endpoint{Source: "npm:pkg=1.0.0", Target: "1.0.0"}, &Cached{Version: "1.0.0"})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, reg.resolved)
}

func TestFetchFailureCleansUp(t *testing.T) {
	tests := map[string]struct {
		reg  *fakeRegistry
		code rerrors.Code
	}{
		"extraction fails": {
			reg:  &fakeRegistry{tarball: []byte("not a gzip stream")},
			code: rerrors.CodeExtraction,
		},
		"cache add fails": {
			reg:  &fakeRegistry{fetchErr: rerrors.Wrap(rerrors.CodeCacheAdd, errors.New("ETARGET"), "npm cache add pkg@1.0.0")},
			code: rerrors.CodeCacheAdd,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, fs := newResolver(t, tc.reg)

			res, err := r.Fetch(context.Background(), Endpoint{Source: "npm:pkg=1.0.0", Target: "1.0.0"}, nil)
			assert.Nil(t, res)
			assert.True(t, rerrors.Is(err, tc.code), "got %v", err)
			assert.Empty(t, tempEntries(t, fs))
		})
	}
}

func TestFetchErrors(t *testing.T) {
	tests := map[string]Endpoint{
		"invalid source": {Source: "pkg=1.0.0", Target: "1.0.0"},
		"no version":     {Source: "npm:pkg"},
	}

	for name, ep := range tests {
		t.Run(name, func(t *testing.T) {
			r, fs := newResolver(t, &fakeRegistry{})

			_, err := r.Fetch(context.Background(), ep, nil)
			assert.True(t, rerrors.Is(err, rerrors.CodeInvalidSource), "got %v", err)
			assert.Empty(t, tempEntries(t, fs))
		})
	}
}
