package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

func init() {
	tokenCmd.Flags().String("name", "", "display name claim")
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().String("picture", "", "photo URL claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <uid>",
	Short: "Mint an API token signed with JWT_SECRET",
	Long: `token prints a bearer token for uid. It is meant for local development
and smoke tests against a server sharing the same JWT_SECRET.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := middleware.ValidateID("user", args[0]); err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		picture, _ := cmd.Flags().GetString("picture")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := middleware.SignToken(cfg.JWTSecret, model.Identity{
			UID:         args[0],
			DisplayName: name,
			Email:       email,
			PhotoURL:    picture,
		}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
