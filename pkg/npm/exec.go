package npm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agentpkg/npmresolver/pkg/logging"
)

const defaultBinary = "npm"

// ExecClient drives an npm binary.
type ExecClient struct {
	// NPM is the binary to run; "npm" when empty.
	NPM string
	// Registry, when set, is passed as --registry.
	Registry string
	// Cache, when set, overrides the cache root via --cache.
	Cache string
	// Dir is the working directory npm runs in, so project .npmrc files
	// apply. Empty means the current directory.
	Dir string
	// Env is appended to the process environment.
	Env []string
}

var _ Client = &ExecClient{}

// NewExecClient checks that the binary can be found.
func NewExecClient(binary string) (*ExecClient, error) {
	if binary == "" {
		binary = defaultBinary
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("locating %s: %w", binary, err)
	}
	return &ExecClient{NPM: binary}, nil
}

func (c *ExecClient) View(ctx context.Context, spec, field string) (json.RawMessage, error) {
	out, err := c.run(ctx, "view", spec, field, "--json")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimSpace(out)), nil
}

func (c *ExecClient) CacheAdd(ctx context.Context, spec string) (*Manifest, error) {
	out, err := c.run(ctx, "cache", "add", spec, "--json")
	if err != nil {
		return nil, err
	}
	return parseCacheAdd(out), nil
}

func (c *ExecClient) Manifest(ctx context.Context, spec string) (*Manifest, error) {
	out, err := c.run(ctx, "view", spec, "name", "version", "dist.integrity", "dist.shasum", "--json")
	if err != nil {
		return nil, err
	}
	return parseViewManifest(spec, out)
}

func (c *ExecClient) CacheDir(ctx context.Context) (string, error) {
	if c.Cache != "" {
		return c.Cache, nil
	}
	out, err := c.run(ctx, "config", "get", "cache")
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(string(out))
	if dir == "" {
		return "", fmt.Errorf("npm reported an empty cache directory")
	}
	return dir, nil
}

func (c *ExecClient) Layout(ctx context.Context) (Layout, error) {
	out, err := c.run(ctx, "--version")
	if err != nil {
		return LayoutContentAddressed, err
	}
	return LayoutForVersion(string(out)), nil
}

func (c *ExecClient) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.Registry != "" {
		args = append(args, "--registry", c.Registry)
	}
	if c.Cache != "" && args[0] != "--version" {
		args = append(args, "--cache", c.Cache)
	}

	bin := c.NPM
	if bin == "" {
		bin = defaultBinary
	}

	logging.FromContext(ctx).Debug("running npm", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	out, err := cmd.Output()
	if err != nil {
		return nil, execError(err)
	}
	return out, nil
}

func execError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return err
}

// parseCacheAdd reads what `npm cache add --json` printed. Only old npm
// versions print the manifest; current ones print nothing.
func parseCacheAdd(out []byte) *Manifest {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}

	var m struct {
		Name      string `json:"name"`
		Version   string `json:"version"`
		Integrity string `json:"integrity"`
		Dist      struct {
			Integrity string `json:"integrity"`
			Shasum    string `json:"shasum"`
		} `json:"dist"`
	}
	if err := json.Unmarshal(out, &m); err != nil || m.Name == "" || m.Version == "" {
		return nil
	}

	integrity := m.Integrity
	if integrity == "" {
		integrity = m.Dist.Integrity
	}
	return &Manifest{Name: m.Name, Version: m.Version, Integrity: integrity, Shasum: m.Dist.Shasum}
}

// parseViewManifest reads `npm view <spec> name version dist.integrity
// dist.shasum --json`. A single matching version prints one object; a range
// matching several prints an array, of which the last is the newest.
func parseViewManifest(spec string, out []byte) (*Manifest, error) {
	type fields struct {
		Name      string `json:"name"`
		Version   string `json:"version"`
		Integrity string `json:"dist.integrity"`
		Shasum    string `json:"dist.shasum"`
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("no manifest for %s", spec)
	}

	var f fields
	if err := json.Unmarshal(out, &f); err != nil {
		var many []fields
		if err2 := json.Unmarshal(out, &many); err2 != nil {
			return nil, fmt.Errorf("parsing manifest for %s: %w", spec, err)
		}
		if len(many) == 0 {
			return nil, fmt.Errorf("no manifest for %s", spec)
		}
		f = many[len(many)-1]
	}

	if f.Name == "" || f.Version == "" {
		return nil, fmt.Errorf("incomplete manifest for %s", spec)
	}
	return &Manifest{Name: f.Name, Version: f.Version, Integrity: f.Integrity, Shasum: f.Shasum}, nil
}
