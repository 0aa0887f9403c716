package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/analytics"
	"github.com/gridlink/gridlink/internal/coordinator"
)

func loginCmd(a *app) *cobra.Command {
	var guest bool
	var name string
	var idpToken string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the coordinator",
		Long:  "Signs in as a guest, or promotes the current guest to a persistent account with an identity-provider token (--idp-token). Guests keep their user id across promotion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := a.coordinator()
			if err != nil {
				return err
			}
			if idpToken != "" {
				tok, err := coord.Promote(cmd.Context(), idpToken)
				if err != nil {
					return err
				}
				analytics.Track("login", map[string]any{"account": "authenticated"})
				fmt.Printf("signed in as %s\n", display(tok.DisplayName, tok.Handle, tok.UserID))
				return nil
			}
			if !guest {
				return fmt.Errorf("pass --guest, or --idp-token to sign in with an account")
			}
			handle := "guest_" + uuid.NewString()[:8]
			tok, err := coord.Login(cmd.Context(), coordinator.IssueTokenRequest{
				UserHandle:  handle,
				DisplayName: name,
				AccountType: coordinator.AccountGuest,
			})
			if err != nil {
				return err
			}
			analytics.Track("login", map[string]any{"account": "guest"})
			fmt.Printf("signed in as guest %s\n", display(tok.DisplayName, tok.Handle, tok.UserID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&guest, "guest", false, "sign in as a guest")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&idpToken, "idp-token", "", "identity-provider access token to promote the current session")
	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tokens, err := a.coordinator()
			if err != nil {
				return err
			}
			tokens.Clear()
			fmt.Println("signed out")
			return nil
		},
	}
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, tokens, err := a.coordinator()
			if err != nil {
				return err
			}
			tok, err := tokens.Get()
			if err != nil {
				return err
			}
			me, err := coord.Me(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return json.NewEncoder(os.Stdout).Encode(me)
			}
			fmt.Printf("%-12s %s\n", "user", me.ID)
			fmt.Printf("%-12s %s\n", "name", display(me.DisplayName, me.Username, "-"))
			fmt.Printf("%-12s %s\n", "account", tok.Class)
			if !tok.ExpiresAt.IsZero() {
				fmt.Printf("%-12s %s\n", "expires", humanize.RelTime(tok.ExpiresAt, time.Now(), "ago", "from now"))
			}
			return nil
		},
	}
}

// display returns the first non-empty value.
func display(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
