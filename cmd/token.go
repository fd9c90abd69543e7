package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"collabtext/collabd/internal/transport"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token <principalId>",
		Short: "Issue a bearer token for a principal, signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			token, err := transport.Sign(cfg.Auth.JWTSecret, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
