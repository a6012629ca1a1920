package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agentpkg/npmresolver/pkg/config"
	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
	"github.com/agentpkg/npmresolver/pkg/logging"
	"github.com/agentpkg/npmresolver/pkg/npm"
	"github.com/agentpkg/npmresolver/pkg/registry"
	"github.com/agentpkg/npmresolver/pkg/resolver"
	"github.com/agentpkg/npmresolver/pkg/store"
)

// ClientFactory builds the registry client for a resolved config.
type ClientFactory func(cfg *config.Config) (npm.Client, error)

// app is the state shared by every subcommand once PersistentPreRunE ran.
type app struct {
	flags     config.Config
	verbose   bool
	newClient ClientFactory

	cfg    *config.Config
	handle *npm.Handle
}

// NewRootCmd returns the npmresolver command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(DefaultClient)
}

func newRootCmd(factory ClientFactory) *cobra.Command {
	a := &app{newClient: factory}

	root := &cobra.Command{
		Use:   "npmresolver",
		Short: "Resolve npm: sources for Bower-style package managers",
		Long: `npmresolver lets a package manager install packages from the npm registry
through sources of the form npm:<name>=<target>.

Results are printed to stdout as JSON, logs go to stderr.`,
		Version:           version(),
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.Backend, "backend", "", "registry backend: npm or http")
	pf.StringVar(&a.flags.Registry, "registry", "", "registry URL")
	pf.StringVar(&a.flags.NPM, "npm", "", "npm binary for the npm backend")
	pf.StringVar(&a.flags.CacheDir, "cache-dir", "", "cache directory")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newMatchCmd())
	root.AddCommand(newReleasesCmd(a))
	root.AddCommand(newFetchCmd(a))
	root.AddCommand(newDownloadCmd(a))
	root.AddCommand(newInitCmd())

	return root
}

// setup resolves config, attaches the logger to the command context and
// prepares the lazily built registry client.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.flags)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return rerrors.Wrap(rerrors.CodeConfig, err, "log_level")
	}
	if a.verbose {
		level = log.DebugLevel
	}
	logger := logging.New(cmd.ErrOrStderr(), level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.WithLogger(ctx, logger))

	a.handle = npm.NewHandle(func() (npm.Client, error) {
		return a.newClient(cfg)
	})
	logger.Debug("config loaded", "backend", cfg.Backend, "registry", cfg.Registry)
	return nil
}

// resolver returns a Resolver on the shared client. The client and its
// registry are only built once the resolver first needs them.
func (a *app) resolver() *resolver.Resolver {
	return resolver.New(&lazyRegistry{app: a})
}

// lazyRegistry defers building the registry to its first call, so fetches
// the host already has cached never start npm.
type lazyRegistry struct {
	app *app
	reg *registry.Registry
}

func (l *lazyRegistry) get(ctx context.Context) (*registry.Registry, error) {
	if l.reg != nil {
		return l.reg, nil
	}
	client, err := l.app.handle.Get()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(ctx, client, nil)
	if err != nil {
		return nil, err
	}
	l.reg = reg
	return reg, nil
}

func (l *lazyRegistry) ListVersions(ctx context.Context, name string) ([]string, error) {
	reg, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return reg.ListVersions(ctx, name)
}

func (l *lazyRegistry) ResolveTarballSource(ctx context.Context, name, version string) (*registry.Tarball, error) {
	reg, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return reg.ResolveTarballSource(ctx, name, version)
}

// DefaultClient builds the client cfg.Backend asks for.
func DefaultClient(cfg *config.Config) (npm.Client, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		dir, err := cfg.ResolvedCacheDir()
		if err != nil {
			return nil, err
		}
		return npm.NewHTTPClient(cfg.Registry, cfg.Token, store.NewOS(dir)), nil
	case config.BackendNPM, "":
		c, err := npm.NewExecClient(cfg.NPM)
		if err != nil {
			return nil, err
		}
		c.Registry = cfg.Registry
		c.Cache = cfg.CacheDir
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Execute runs the root command, printing any failure to stderr.
func Execute(ctx context.Context) error {
	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}
