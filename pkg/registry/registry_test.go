package registry

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/npm"
	"github.com/agentpkg/npmresolver/pkg/store"
)

type fakeClient struct {
	layout      npm.Layout
	view        json.RawMessage
	viewErr     error
	added       *npm.Manifest
	addErr      error
	manifest    *npm.Manifest
	manifestErr error

	addCalls      []string
	manifestCalls []string
}

func (f *fakeClient) View(_ context.Context, spec, field string) (json.RawMessage, error) {
	return f.view, f.viewErr
}

func (f *fakeClient) CacheAdd(_ context.Context, spec string) (*npm.Manifest, error) {
	f.addCalls = append(f.addCalls, spec)
	return f.added, f.addErr
}

func (f *fakeClient) Manifest(_ context.Context, spec string) (*npm.Manifest, error) {
	f.manifestCalls = append(f.manifestCalls, spec)
	return f.manifest, f.manifestErr
}

func (f *fakeClient) CacheDir(context.Context) (string, error) { return "/cache", nil }

func (f *fakeClient) Layout(context.Context) (npm.Layout, error) { return f.layout, nil }

func sri512(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

func newMemStore() (afero.Fs, store.Store) {
	fs := afero.NewMemMapFs()
	return fs, store.New(fs, "/cache")
}

func readAll(t *testing.T, tb *Tarball) []byte {
	t.Helper()
	defer tb.Body.Close()
	data, err := io.ReadAll(tb.Body)
	require.NoError(t, err)
	return data
}

func TestParseVersions(t *testing.T) {
	tests := map[string]struct {
		raw     string
		want    []string
		wantErr bool
	}{
		"flat array": {
			raw:  `["1.0.0","1.1.0","2.0.0"]`,
			want: []string{"1.0.0", "1.1.0", "2.0.0"},
		},
		"single string": {
			raw:  `"1.0.0"`,
			want: []string{"1.0.0"},
		},
		"keyed object": {
			raw:  `{"2.0.0": {"versions": ["1.0.0", "2.0.0"]}}`,
			want: []string{"1.0.0", "2.0.0"},
		},
		"keyed object picks last key": {
			raw:  `{"1.0.0": {"versions": ["stale"]}, "2.0.0": {"versions": ["1.0.0", "2.0.0"]}}`,
			want: []string{"1.0.0", "2.0.0"},
		},
		"surrounding whitespace": {
			raw:  "\n [\"1.0.0\"] \n",
			want: []string{"1.0.0"},
		},
		"empty": {
			raw:     "",
			wantErr: true,
		},
		"empty object": {
			raw:     "{}",
			wantErr: true,
		},
		"number": {
			raw:     "42",
			wantErr: true,
		},
		"broken array": {
			raw:     `["1.0.0"`,
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseVersions(json.RawMessage(tc.raw))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestListVersions(t *testing.T) {
	_, s := newMemStore()
	c := &fakeClient{layout: npm.LayoutContentAddressed, view: json.RawMessage(`["1.0.0"]`)}
	r, err := New(context.Background(), c, s)
	require.NoError(t, err)

	got, err := r.ListVersions(context.Background(), "pkg")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, got)
}

func TestListVersionsErrors(t *testing.T) {
	tests := map[string]*fakeClient{
		"view fails":  {viewErr: errors.New("E404")},
		"bad payload": {view: json.RawMessage(`true`)},
	}

	for name, c := range tests {
		t.Run(name, func(t *testing.T) {
			_, s := newMemStore()
			r, err := New(context.Background(), c, s)
			require.NoError(t, err)

			_, err = r.ListVersions(context.Background(), "pkg")
			assert.True(t, rerrors.Is(err, rerrors.CodeView), "got %v", err)
		})
	}
}

func TestResolveLegacy(t *testing.T) {
	tests := map[string]struct {
		added *npm.Manifest
	}{
		"manifest from cache add": {added: &npm.Manifest{Name: "pkg", Version: "1.2.3"}},
		"no manifest":             {added: nil},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fs, s := newMemStore()
			require.NoError(t, afero.WriteFile(fs, s.LegacyTarball("pkg", "1.2.3"), []byte("legacy"), 0o644))

			c := &fakeClient{layout: npm.LayoutLegacy, added: tc.added}
			r, err := New(context.Background(), c, s)
			require.NoError(t, err)

			tb, err := r.ResolveTarballSource(context.Background(), "pkg", "1.2.3")
			require.NoError(t, err)
			assert.Equal(t, "pkg", tb.Name)
			assert.Equal(t, "1.2.3", tb.Version)
			assert.Equal(t, []byte("legacy"), readAll(t, tb))
			assert.Equal(t, []string{"pkg@1.2.3"}, c.addCalls)
			assert.Empty(t, c.manifestCalls)
		})
	}
}

func TestResolveContentAddressed(t *testing.T) {
	content := []byte("modern tarball")
	_, s := newMemStore()
	integrity, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)

	t.Run("manifest fetched when cache add is silent", func(t *testing.T) {
		c := &fakeClient{
			layout:   npm.LayoutContentAddressed,
			manifest: &npm.Manifest{Name: "@scope/pkg", Version: "2.0.0", Integrity: integrity},
		}
		r, err := New(context.Background(), c, s)
		require.NoError(t, err)

		tb, err := r.ResolveTarballSource(context.Background(), "@scope/pkg", "2.0.0")
		require.NoError(t, err)
		assert.Equal(t, "@scope/pkg", tb.Name)
		assert.Equal(t, content, readAll(t, tb))
		assert.Equal(t, []string{"@scope/pkg@2.0.0"}, c.manifestCalls)
	})

	t.Run("manifest from cache add is used directly", func(t *testing.T) {
		c := &fakeClient{
			layout: npm.LayoutContentAddressed,
			added:  &npm.Manifest{Name: "pkg", Version: "2.0.0", Integrity: integrity},
		}
		r, err := New(context.Background(), c, s)
		require.NoError(t, err)

		tb, err := r.ResolveTarballSource(context.Background(), "pkg", "2.0.0")
		require.NoError(t, err)
		assert.Equal(t, content, readAll(t, tb))
		assert.Empty(t, c.manifestCalls)
	})
}

func TestResolveContentAddressedShasum(t *testing.T) {
	fs, s := newMemStore()
	content := []byte("old package")
	sum := sha1.Sum(content)
	d, err := store.FromShasum(hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, s.ContentPath(d), content, 0o644))

	c := &fakeClient{
		layout:   npm.LayoutContentAddressed,
		manifest: &npm.Manifest{Name: "pkg", Version: "0.0.1", Shasum: hex.EncodeToString(sum[:])},
	}
	r, err := New(context.Background(), c, s)
	require.NoError(t, err)

	tb, err := r.ResolveTarballSource(context.Background(), "pkg", "0.0.1")
	require.NoError(t, err)
	assert.Equal(t, content, readAll(t, tb))
}

func TestResolveErrors(t *testing.T) {
	tests := map[string]struct {
		client *fakeClient
		code   rerrors.Code
	}{
		"cache add fails": {
			client: &fakeClient{layout: npm.LayoutContentAddressed, addErr: errors.New("ETARGET")},
			code:   rerrors.CodeCacheAdd,
		},
		"manifest fails": {
			client: &fakeClient{layout: npm.LayoutContentAddressed, manifestErr: errors.New("E404")},
			code:   rerrors.CodeManifestFetch,
		},
		"manifest without integrity": {
			client: &fakeClient{layout: npm.LayoutContentAddressed, manifest: &npm.Manifest{Name: "pkg", Version: "1.0.0"}},
			code:   rerrors.CodeManifestFetch,
		},
		"content missing": {
			client: &fakeClient{
				layout:   npm.LayoutContentAddressed,
				manifest: &npm.Manifest{Name: "pkg", Version: "1.0.0", Integrity: sri512([]byte("never cached"))},
			},
			code: rerrors.CodeStream,
		},
		"legacy tarball missing": {
			client: &fakeClient{layout: npm.LayoutLegacy},
			code:   rerrors.CodeStream,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, s := newMemStore()
			r, err := New(context.Background(), tc.client, s)
			require.NoError(t, err)

			_, err = r.ResolveTarballSource(context.Background(), "pkg", "1.0.0")
			assert.True(t, rerrors.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestNewUsesClientCacheDir(t *testing.T) {
	c := &fakeClient{layout: npm.LayoutLegacy}
	r, err := New(context.Background(), c, nil)
	require.NoError(t, err)

	src, ok := r.source.(*legacySource)
	require.True(t, ok)
	assert.Equal(t, "/cache", src.store.Root())
}

func TestNewTarballSource(t *testing.T) {
	_, s := newMemStore()
	c := &fakeClient{}

	assert.IsType(t, &legacySource{}, NewTarballSource(npm.LayoutLegacy, c, s))
	assert.IsType(t, &contentAddressedSource{}, NewTarballSource(npm.LayoutContentAddressed, c, s))
}
