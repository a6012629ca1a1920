package npm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/mod/semver"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/logging"
	"github.com/agentpkg/npmresolver/pkg/store"
)

// DefaultRegistry is the public npm registry.
const DefaultRegistry = "https://registry.npmjs.org"

// HTTPClient talks to the registry API directly and keeps tarballs in a
// content-addressed store laid out like npm's own cache.
type HTTPClient struct {
	baseURL string
	store   store.Store
	http    *http.Client
	headers map[string]string
}

var _ Client = &HTTPClient{}

// NewHTTPClient returns a client for the registry at baseURL
// (DefaultRegistry when empty). A non-empty token is sent as a bearer token.
func NewHTTPClient(baseURL, token string, s store.Store) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultRegistry
	}
	headers := map[string]string{
		// abbreviated metadata is not enough for dist.integrity on old packages
		"Accept": "application/json",
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		store:   s,
		http:    &http.Client{},
		headers: headers,
	}
}

type packument struct {
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags"`
	Versions map[string]json.RawMessage `json:"versions"`
}

type versionDoc struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dist    struct {
		Tarball   string `json:"tarball"`
		Integrity string `json:"integrity"`
		Shasum    string `json:"shasum"`
	} `json:"dist"`
}

func (c *HTTPClient) View(ctx context.Context, spec, field string) (json.RawMessage, error) {
	name, version := SplitSpec(spec)
	p, err := c.packument(ctx, name)
	if err != nil {
		return nil, err
	}

	if field == "versions" {
		return json.Marshal(sortVersions(p.Versions))
	}

	raw, err := p.resolve(version)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", spec, err)
	}
	v, ok := selectField(doc, field)
	if !ok {
		// npm view prints nothing for an absent field
		return nil, nil
	}
	return json.Marshal(v)
}

func (c *HTTPClient) CacheAdd(ctx context.Context, spec string) (*Manifest, error) {
	doc, err := c.versionDoc(ctx, spec)
	if err != nil {
		return nil, err
	}
	if doc.Dist.Tarball == "" {
		return nil, fmt.Errorf("%s has no tarball", spec)
	}
	expect, err := publishedDigests(doc.Dist.Integrity, doc.Dist.Shasum)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec, err)
	}

	body, err := c.get(ctx, doc.Dist.Tarball)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	integrity, err := c.store.Put(body, expect...)
	if err != nil {
		return nil, fmt.Errorf("caching %s: %w", spec, err)
	}

	logging.FromContext(ctx).Debug("cached tarball", "spec", spec, "integrity", integrity)
	return &Manifest{Name: doc.Name, Version: doc.Version, Integrity: integrity, Shasum: doc.Dist.Shasum}, nil
}

func (c *HTTPClient) Manifest(ctx context.Context, spec string) (*Manifest, error) {
	doc, err := c.versionDoc(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Manifest{Name: doc.Name, Version: doc.Version, Integrity: doc.Dist.Integrity, Shasum: doc.Dist.Shasum}, nil
}

func (c *HTTPClient) CacheDir(context.Context) (string, error) {
	return c.store.Root(), nil
}

func (c *HTTPClient) Layout(context.Context) (Layout, error) {
	return LayoutContentAddressed, nil
}

func (c *HTTPClient) versionDoc(ctx context.Context, spec string) (*versionDoc, error) {
	name, version := SplitSpec(spec)
	p, err := c.packument(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, err := p.resolve(version)
	if err != nil {
		return nil, err
	}
	var doc versionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", spec, err)
	}
	if doc.Name == "" {
		doc.Name = p.Name
	}
	return &doc, nil
}

func (c *HTTPClient) packument(ctx context.Context, name string) (*packument, error) {
	body, err := c.get(ctx, c.baseURL+"/"+escapeName(name))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var p packument
	if err := json.NewDecoder(body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding packument for %s: %w", name, err)
	}
	return &p, nil
}

// resolve picks the version document for an exact version or a dist-tag.
// An empty version means the latest tag.
func (p *packument) resolve(version string) (json.RawMessage, error) {
	if version == "" {
		version = "latest"
	}
	if raw, ok := p.Versions[version]; ok {
		return raw, nil
	}
	if tagged, ok := p.DistTags[version]; ok {
		if raw, ok := p.Versions[tagged]; ok {
			return raw, nil
		}
	}
	return nil, rerrors.New(rerrors.CodeNotFound, "%s has no version %s", p.Name, version)
}

func (c *HTTPClient) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	logging.FromContext(ctx).Debug("registry request", "url", url)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeNetwork, err, "GET %s", url)
	}
	if err := checkStatus(url, resp.StatusCode); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func checkStatus(url string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return rerrors.New(rerrors.CodeNotFound, "GET %s: status %d", url, code)
	default:
		return rerrors.New(rerrors.CodeNetwork, "GET %s: status %d", url, code)
	}
}

// publishedDigests returns what a downloaded tarball must match: the
// strongest hash of the published integrity, or the sha1 shasum old
// packages carry instead. Nothing published means nothing to check.
func publishedDigests(integrity, shasum string) ([]digest.Digest, error) {
	switch {
	case integrity != "":
		d, err := store.ParseIntegrity(integrity)
		if err != nil {
			return nil, err
		}
		return []digest.Digest{d}, nil
	case shasum != "":
		d, err := store.FromShasum(shasum)
		if err != nil {
			return nil, err
		}
		return []digest.Digest{d}, nil
	default:
		return nil, nil
	}
}

// escapeName encodes the slash of a scoped name the way the registry expects.
func escapeName(name string) string {
	return strings.Replace(name, "/", "%2f", 1)
}

// sortVersions returns the version keys in ascending semver order.
func sortVersions(versions map[string]json.RawMessage) []string {
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b string) int {
		if c := semver.Compare("v"+a, "v"+b); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return out
}

// selectField walks a dotted path like "dist.tarball" through doc.
func selectField(doc map[string]any, field string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
