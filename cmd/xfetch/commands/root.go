// Package commands implements the xfetch command line.
package commands

import (
	"fmt"

	"github.com/GriffinCanCode/xfetch/internal/infrastructure/config"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	cacheRoot string
	cacheDir  string
	verbose   bool
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each call returns an independent tree
// so tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "xfetch",
		Short: "xfetch - asynchronous HTTP client with a disk cache",
		Long: `xfetch fetches network, file and asset urls through a prioritized
request engine with retries, redirects, resumable downloads and a
cross-process disk cache.

Use "xfetch [command] --help" for more information about a command.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.cacheRoot, "cache-root", "", "cache root directory (default: $XFETCH_CACHE_ROOT or the user cache dir)")
	root.PersistentFlags().StringVar(&g.cacheDir, "cache-dir", "", "cache directory name under the root (default: $XFETCH_CACHE_DIR)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newGetCmd(g))
	root.AddCommand(newCacheCmd(g))
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

// env is what a command run needs from configuration.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
}

func loadEnv(g *globalOptions) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if g.cacheRoot != "" {
		cfg.Cache.Root = g.cacheRoot
	}
	if g.cacheDir != "" {
		cfg.Cache.DirName = g.cacheDir
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	if g.verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}
