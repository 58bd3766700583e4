package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sileade/scoliologic-wiki-sub002/internal/auth"
	"github.com/sileade/scoliologic-wiki-sub002/internal/config"
)

func init() {
	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token <userId> [name]",
		Short: "Issue a bearer token for a user, for local development",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			token, err := auth.IssueToken([]byte(config.Load().TokenSecret), auth.NewClaims(userID, name, ttl))
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime.")
	rootCmd.AddCommand(tokenCmd)
}
