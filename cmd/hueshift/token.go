package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dunamismax/hueshift/internal/auth"
)

func (a *app) newTokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with HUESHIFT_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("HUESHIFT_JWT_SECRET is not set")
			}
			authenticator, err := auth.New(a.cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := authenticator.Issue(user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", a.cfg.Auth.TokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
