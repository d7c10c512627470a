package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agent-sync/internal/cache"
)

// NewCacheCmd inspects and evicts cached timelines.
func NewCacheCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or evict cached agent timelines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show AGENT_ID",
		Short: "Show the cached cursor of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(opts)
			if err != nil {
				return err
			}
			snap, ok, err := store.Load(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: not cached\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cursor %s, %d entries, saved %s\n",
				args[0], snap.Cursor, len(snap.Entries), snap.SavedAt.Format("2006-01-02 15:04:05Z07:00"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "evict AGENT_ID...",
		Short: "Drop cached timelines so the next follow starts from a tail",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(opts)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := store.Evict(id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: evicted\n", id)
			}
			return nil
		},
	})

	return cmd
}

func openCache(opts *Options) (*cache.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.Client.CacheDir == "" {
		return nil, errors.New("no cache directory configured (set client.cache_dir or --cache-dir)")
	}
	return cache.Open(cfg.Client.CacheDir)
}
