package main

import (
	"fmt"
	"time"

	srv "github.com/mohammad-safakhou/askace/internal/server"
	"github.com/spf13/cobra"
)

func tokenCMD(cfgPath *string) *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*cfgPath)
			if err != nil {
				return err
			}
			defer a.close()
			secret, err := srv.LoadJWTSecret(a.cfg.Server)
			if err != nil {
				return err
			}
			tok, err := srv.SignToken(subject, secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "admin", "token subject")
	token.Flags().StringSliceVar(&scopes, "scope", []string{srv.ScopePlaybookWrite}, "granted scopes")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return token
}
