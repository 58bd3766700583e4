package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sileade/scoliologic-wiki-sub002/internal/cache"
	"github.com/sileade/scoliologic-wiki-sub002/internal/config"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the shared permission cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Drop every cached permission fact from Redis",
		Long:  "Drop every cached permission fact from Redis. Use after editing grants or memberships directly in the database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if strings.TrimSpace(cfg.RedisURL) == "" {
				return errors.New("REDIS_URL is not set; the in-process cache is flushed by restarting the server")
			}
			backend, err := cache.NewRedisBackend(cfg.RedisURL)
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := cache.NewStore(nil, backend, cfg.CacheTTL).InvalidateAll(ctx); err != nil {
				return err
			}
			cmd.Println("Permission cache flushed.")
			return nil
		},
	})
	rootCmd.AddCommand(cacheCmd)
}
