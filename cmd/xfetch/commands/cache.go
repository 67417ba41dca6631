package commands

import (
	"fmt"
	"strconv"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the disk cache",
	}
	cmd.AddCommand(newCacheStatsCmd(g))
	cmd.AddCommand(newCacheClearCmd(g))
	return cmd
}

// openStore opens the configured cache directory outside of any engine.
func openStore(g *globalOptions) (*cache.Registry, *cache.Store, *env, error) {
	env, err := loadEnv(g)
	if err != nil {
		return nil, nil, nil, err
	}
	reg := cache.NewRegistry(env.cfg.Cache.Root, cache.Options{
		MaxEntries:    env.cfg.Cache.MaxEntries,
		MaxBytes:      env.cfg.Cache.MaxBytes,
		CompressAbove: env.cfg.Cache.CompressAbove,
		PartialMaxAge: env.cfg.Cache.PartialMaxAge,
		Logger:        env.logger.Named("cache"),
	})
	store, err := reg.Store(env.cfg.Cache.DirName, 0)
	if err != nil {
		reg.Close()
		return nil, nil, nil, err
	}
	return reg, store, env, nil
}

// cacheStats is the printable form of cache.Stats.
type cacheStats struct {
	Dir     string `json:"dir" yaml:"dir"`
	Entries int64  `json:"entries" yaml:"entries"`
	Bytes   int64  `json:"bytes" yaml:"bytes"`
	Files   int64  `json:"files" yaml:"files"`
}

func newCacheStatsCmd(g *globalOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry count and size of the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ParseFormat(format)
			if err != nil {
				return err
			}

			reg, store, env, err := openStore(g)
			if err != nil {
				return err
			}
			defer env.logger.Sync()
			defer reg.Close()

			st, err := store.Stats()
			if err != nil {
				return fmt.Errorf("read cache stats: %w", err)
			}
			out := cacheStats{Dir: st.Dir, Entries: st.Entries, Bytes: st.Bytes, Files: st.Files}

			switch f {
			case FormatJSON:
				return PrintJSON(cmd.OutOrStdout(), out)
			case FormatYAML:
				return PrintYAML(cmd.OutOrStdout(), out)
			default:
				return SimpleTable(cmd.OutOrStdout(), [][2]string{
					{"Directory", out.Dir},
					{"Entries", strconv.FormatInt(out.Entries, 10)},
					{"Size", humanize.IBytes(uint64(out.Bytes))},
					{"Managed files", strconv.FormatInt(out.Files, 10)},
				})
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table|json|yaml)")
	return cmd
}

func newCacheClearCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry and managed file of the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, store, env, err := openStore(g)
			if err != nil {
				return err
			}
			defer env.logger.Sync()
			defer reg.Close()

			if err := store.Clear(); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", store.Dir())
			return nil
		},
	}
}
