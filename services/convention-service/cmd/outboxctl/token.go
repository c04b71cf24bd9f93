package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/conventions/libs/auth"
	"github.com/md-rashed-zaman/conventions/libs/config"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

// tokenCmd signs an HS256 admin token with ADMIN_JWT_SECRET, the same secret
// the service verifies with.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := config.String("ADMIN_JWT_SECRET", "")
		if secret == "" {
			return errors.New("ADMIN_JWT_SECRET is required")
		}
		signed, err := mintToken(secret, tokenSubject, tokenRole, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func mintToken(secret, sub, role string, ttl time.Duration, now time.Time) (string, error) {
	if sub == "" {
		return "", errors.New("--sub is required")
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	return auth.SignHS256(auth.Claims{
		Sub:  sub,
		Role: role,
		Iat:  now.Unix(),
		Exp:  now.Add(ttl).Unix(),
	}, secret)
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "operator identifier")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "admin", "role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
